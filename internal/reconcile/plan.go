// Package reconcile computes and executes the sync plan between the local
// task cache and one remote collection.
package reconcile

import (
	"sort"

	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
)

// Snapshot is what a provider returned for one collection.
type Snapshot struct {
	Collection models.CollectionRef
	// ProjectID receives the local tasks created for new remote items.
	ProjectID string
	Items     []provider.RemoteItem
	// Complete is false for partial listings (e.g. since-filtered), which
	// cannot prove that an item is gone.
	Complete bool
}

// Action is what a local apply does to the cache.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionConflict Action = "conflict"
	ActionOrphan   Action = "orphan"
)

// LocalEntry is one write to the local cache. Task holds the full row to
// write; for ActionCreate it has no LocalID yet.
type LocalEntry struct {
	Action Action               `json:"action"`
	Task   models.Task          `json:"task"`
	Remote *provider.RemoteItem `json:"remote,omitempty"`
}

// RemoteEntry is one push to the provider. Task is the local snapshot the
// push is based on.
type RemoteEntry struct {
	Task models.Task `json:"task"`
}

// SyncPlan lists the work of one sync pass.
type SyncPlan struct {
	Collection     models.CollectionRef `json:"collection"`
	ToCreateRemote []RemoteEntry        `json:"to_create_remote"`
	ToUpdateRemote []RemoteEntry        `json:"to_update_remote"`
	ToApplyLocal   []LocalEntry         `json:"to_apply_local"`
}

// Empty reports whether the plan has nothing to do.
func (p SyncPlan) Empty() bool {
	return len(p.ToCreateRemote) == 0 && len(p.ToUpdateRemote) == 0 && len(p.ToApplyLocal) == 0
}

// Plan compares the local tasks of a collection with a remote snapshot. It is
// pure: the same inputs always give the same plan, and the inputs are not
// modified. Tasks whose repo is another collection are ignored.
func Plan(local []models.Task, remote Snapshot) SyncPlan {
	col := remote.Collection
	plan := SyncPlan{
		Collection:     col,
		ToCreateRemote: []RemoteEntry{},
		ToUpdateRemote: []RemoteEntry{},
		ToApplyLocal:   []LocalEntry{},
	}

	items := make([]provider.RemoteItem, len(remote.Items))
	copy(items, remote.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].Ref.ExternalID < items[j].Ref.ExternalID })
	byKey := make(map[string]provider.RemoteItem, len(items))
	for _, it := range items {
		byKey[it.Ref.Key()] = it
	}

	tasks := make([]models.Task, 0, len(local))
	for _, t := range local {
		if t.RepoID == col.String() {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].LocalID < tasks[j].LocalID })

	matched := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if !t.IsLinked() {
			if !t.Orphaned {
				plan.ToCreateRemote = append(plan.ToCreateRemote, RemoteEntry{Task: t})
			}
			continue
		}

		key := t.RemoteRef.Key()
		item, ok := byKey[key]
		if !ok {
			if remote.Complete {
				plan.ToApplyLocal = append(plan.ToApplyLocal, LocalEntry{Action: ActionOrphan, Task: orphan(t)})
			}
			continue
		}
		matched[key] = true

		switch {
		case !t.Dirty:
			if item.UpdatedAt.After(t.LocalUpdatedAt) {
				it := item
				plan.ToApplyLocal = append(plan.ToApplyLocal, LocalEntry{Action: ActionUpdate, Task: adopt(t, item), Remote: &it})
			}
		case remoteChanged(t, item):
			if t.Conflict && t.ConflictRemoteAt != nil && t.ConflictRemoteAt.Equal(item.UpdatedAt) {
				continue
			}
			it := item
			plan.ToApplyLocal = append(plan.ToApplyLocal, LocalEntry{Action: ActionConflict, Task: flag(t, item), Remote: &it})
		default:
			plan.ToUpdateRemote = append(plan.ToUpdateRemote, RemoteEntry{Task: t})
		}
	}

	for _, item := range items {
		if matched[item.Ref.Key()] {
			continue
		}
		it := item
		plan.ToApplyLocal = append(plan.ToApplyLocal, LocalEntry{
			Action: ActionCreate,
			Task:   mirror(item, remote.ProjectID, col),
			Remote: &it,
		})
	}
	return plan
}

func remoteChanged(t models.Task, item provider.RemoteItem) bool {
	return t.RemoteUpdatedAt == nil || item.UpdatedAt.After(*t.RemoteUpdatedAt)
}

// adopt copies the remote fields onto a clean task.
func adopt(t models.Task, item provider.RemoteItem) models.Task {
	at := item.UpdatedAt
	ref := item.Ref
	t.RemoteRef = &ref
	t.Title = item.Title
	t.Body = item.Body
	t.Status = statusOf(item)
	t.RemoteUpdatedAt = &at
	t.LocalUpdatedAt = at
	t.Dirty = false
	t.Conflict = false
	t.ConflictRemoteAt = nil
	t.Orphaned = false
	return t
}

// flag marks a dirty task as conflicting with the remote version at
// item.UpdatedAt. Local fields are kept.
func flag(t models.Task, item provider.RemoteItem) models.Task {
	at := item.UpdatedAt
	t.Conflict = true
	t.ConflictRemoteAt = &at
	return t
}

// orphan detaches a task whose remote item is gone.
func orphan(t models.Task) models.Task {
	t.RemoteRef = nil
	t.RemoteUpdatedAt = nil
	t.Conflict = false
	t.ConflictRemoteAt = nil
	t.Orphaned = true
	return t
}

func mirror(item provider.RemoteItem, projectID string, col models.CollectionRef) models.Task {
	at := item.UpdatedAt
	ref := item.Ref
	return models.Task{
		RemoteRef:       &ref,
		Title:           item.Title,
		Body:            item.Body,
		Status:          statusOf(item),
		ProjectID:       projectID,
		RepoID:          col.String(),
		RemoteUpdatedAt: &at,
		LocalUpdatedAt:  at,
	}
}

func statusOf(item provider.RemoteItem) models.TaskStatus {
	if item.Status.Valid() {
		return item.Status
	}
	return models.TaskStatusTodo
}
