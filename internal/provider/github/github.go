// Package github maps repository issues onto tasks. A task's status is
// carried as a label; Done is a closed issue.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
	"github.com/rs/zerolog"
)

// ProviderID is the id used in remote refs and repo ids.
const ProviderID = "github"

const perPage = 100

// statusLabels maps non-terminal statuses to their label.
var statusLabels = map[models.TaskStatus]string{
	models.TaskStatusBacklog:    "backlog",
	models.TaskStatusTodo:       "todo",
	models.TaskStatusInProgress: "in-progress",
	models.TaskStatusBlocked:    "blocked",
	models.TaskStatusReview:     "review",
}

// labelPriority decides the status of an open issue carrying several status
// labels.
var labelPriority = []models.TaskStatus{
	models.TaskStatusBlocked,
	models.TaskStatusReview,
	models.TaskStatusInProgress,
	models.TaskStatusBacklog,
	models.TaskStatusTodo,
}

var labelColors = map[string]string{
	"backlog":     "c5def5",
	"todo":        "0e8a16",
	"in-progress": "fbca04",
	"blocked":     "b60205",
	"review":      "5319e7",
}

type label struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type issue struct {
	ID          int64     `json:"id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        *string   `json:"body"`
	State       string    `json:"state"`
	Labels      []label   `json:"labels"`
	HTMLURL     string    `json:"html_url"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type issueRequest struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	State  string    `json:"state,omitempty"`
	Labels *[]string `json:"labels,omitempty"`
}

// Client is the GitHub issues client.
type Client struct {
	http             *provider.HTTP
	autoCreateLabels bool
	logger           zerolog.Logger

	// ensured holds the repos whose status labels are known to exist.
	ensured sync.Map
}

// Options configures New.
type Options struct {
	APIURL     string
	HTTPClient *http.Client
	// AutoCreateLabels creates missing status labels before the first write
	// to a repository.
	AutoCreateLabels bool
}

// New returns a client authenticating through tokens.
func New(tokens provider.TokenSource, opts Options) *Client {
	base := opts.APIURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &Client{
		http: &provider.HTTP{
			Provider: ProviderID,
			BaseURL:  base,
			Tokens:   tokens,
			Client:   opts.HTTPClient,
			Header: http.Header{
				"Accept":               {"application/vnd.github+json"},
				"X-GitHub-Api-Version": {"2022-11-28"},
			},
		},
		autoCreateLabels: opts.AutoCreateLabels,
		logger:           logging.Component("github"),
	}
}

// ID implements provider.Client.
func (c *Client) ID() string { return ProviderID }

// ListItems returns the issues of an "owner/repo" collection, skipping pull
// requests. since restricts the listing to issues updated at or after it.
func (c *Client) ListItems(ctx context.Context, collection string, since *time.Time) ([]provider.RemoteItem, error) {
	const op = "github.list"
	if err := validRepo(op, collection); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("state", "all")
	q.Set("per_page", strconv.Itoa(perPage))
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	items := []provider.RemoteItem{}
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.Set("page", strconv.Itoa(page))

		var batch []issue
		if _, err := c.http.Do(ctx, op, provider.Request{
			Method: http.MethodGet,
			Path:   "repos/" + collection + "/issues",
			Query:  q,
		}, &batch); err != nil {
			return nil, err
		}
		for _, is := range batch {
			if is.PullRequest != nil {
				continue
			}
			items = append(items, toItem(collection, is))
		}
		if len(batch) < perPage {
			break
		}
	}

	c.logger.Debug().Ctx(ctx).Str("repo", collection).Int("count", len(items)).Msg("listed issues")
	return items, nil
}

// CreateItem opens an issue; a Done item is closed right after creation.
func (c *Client) CreateItem(ctx context.Context, collection string, item provider.NewItem) (provider.RemoteItem, error) {
	const op = "github.create"
	if err := validRepo(op, collection); err != nil {
		return provider.RemoteItem{}, err
	}
	if strings.TrimSpace(item.Title) == "" {
		return provider.RemoteItem{}, errs.Invalid(op, "issue title is required")
	}
	if err := c.maybeEnsureLabels(ctx, collection); err != nil {
		return provider.RemoteItem{}, err
	}

	req := issueRequest{Title: &item.Title, Body: &item.Body}
	if name, ok := statusLabels[item.Status]; ok {
		req.Labels = &[]string{name}
	}

	var created issue
	if _, err := c.http.Do(ctx, op, provider.Request{
		Method: http.MethodPost,
		Path:   "repos/" + collection + "/issues",
		Body:   req,
	}, &created); err != nil {
		return provider.RemoteItem{}, err
	}
	c.logger.Info().Ctx(ctx).Str("repo", collection).Int("number", created.Number).Msg("created issue")

	if item.Status == models.TaskStatusDone {
		if _, err := c.http.Do(ctx, op, provider.Request{
			Method: http.MethodPatch,
			Path:   fmt.Sprintf("repos/%s/issues/%d", collection, created.Number),
			Body:   issueRequest{State: "closed"},
		}, &created); err != nil {
			return provider.RemoteItem{}, err
		}
	}
	return toItem(collection, created), nil
}

// UpdateItem edits an issue. A status change rewrites the status label and
// keeps every other label on the issue.
func (c *Client) UpdateItem(ctx context.Context, ref provider.ItemRef, patch provider.Patch) (provider.RemoteItem, error) {
	const op = "github.update"
	if err := validRepo(op, ref.Collection); err != nil {
		return provider.RemoteItem{}, err
	}
	number := ref.Ref.Number
	if number <= 0 {
		return provider.RemoteItem{}, errs.Invalid(op, "remote ref %q has no issue number", ref.Ref.ExternalID)
	}
	path := fmt.Sprintf("repos/%s/issues/%d", ref.Collection, number)

	req := issueRequest{Title: patch.Title, Body: patch.Body}
	if patch.Status != nil {
		if err := c.maybeEnsureLabels(ctx, ref.Collection); err != nil {
			return provider.RemoteItem{}, err
		}
		var current issue
		if _, err := c.http.Do(ctx, op, provider.Request{Method: http.MethodGet, Path: path}, &current); err != nil {
			return provider.RemoteItem{}, err
		}
		labels := relabel(current.Labels, *patch.Status)
		req.Labels = &labels
		req.State = "open"
		if *patch.Status == models.TaskStatusDone {
			req.State = "closed"
		}
	}

	var updated issue
	if _, err := c.http.Do(ctx, op, provider.Request{
		Method: http.MethodPatch,
		Path:   path,
		Body:   req,
	}, &updated); err != nil {
		return provider.RemoteItem{}, err
	}
	return toItem(ref.Collection, updated), nil
}

// EnsureLabels creates the status labels missing from a repository.
func (c *Client) EnsureLabels(ctx context.Context, collection string) error {
	const op = "github.labels"
	if err := validRepo(op, collection); err != nil {
		return err
	}

	var existing []label
	if _, err := c.http.Do(ctx, op, provider.Request{
		Method: http.MethodGet,
		Path:   "repos/" + collection + "/labels",
		Query:  url.Values{"per_page": {strconv.Itoa(perPage)}},
	}, &existing); err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, l := range existing {
		have[strings.ToLower(l.Name)] = true
	}

	for _, status := range labelPriority {
		name := statusLabels[status]
		if have[name] {
			continue
		}
		_, err := c.http.Do(ctx, op, provider.Request{
			Method: http.MethodPost,
			Path:   "repos/" + collection + "/labels",
			Body:   label{Name: name, Color: labelColors[name]},
		}, nil)
		// 422 means someone else created it first.
		if err != nil && provider.StatusCode(err) != http.StatusUnprocessableEntity {
			return err
		}
		c.logger.Info().Ctx(ctx).Str("repo", collection).Str("label", name).Msg("created status label")
	}
	return nil
}

func (c *Client) maybeEnsureLabels(ctx context.Context, collection string) error {
	if !c.autoCreateLabels {
		return nil
	}
	if _, ok := c.ensured.Load(collection); ok {
		return nil
	}
	if err := c.EnsureLabels(ctx, collection); err != nil {
		return err
	}
	c.ensured.Store(collection, struct{}{})
	return nil
}

// StatusFromIssue derives a task status from an issue's state and labels.
func StatusFromIssue(state string, labels []string) models.TaskStatus {
	if strings.EqualFold(state, "closed") {
		return models.TaskStatusDone
	}
	have := make(map[string]bool, len(labels))
	for _, l := range labels {
		have[strings.ToLower(l)] = true
	}
	for _, status := range labelPriority {
		if have[statusLabels[status]] {
			return status
		}
	}
	return models.TaskStatusTodo
}

// ExternalID is the provider-wide id of issue number in repo.
func ExternalID(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func relabel(current []label, status models.TaskStatus) []string {
	out := []string{}
	for _, l := range current {
		if !isStatusLabel(l.Name) {
			out = append(out, l.Name)
		}
	}
	if name, ok := statusLabels[status]; ok {
		out = append(out, name)
	}
	return out
}

func isStatusLabel(name string) bool {
	name = strings.ToLower(name)
	for _, l := range statusLabels {
		if l == name {
			return true
		}
	}
	return false
}

func toItem(repo string, is issue) provider.RemoteItem {
	names := make([]string, len(is.Labels))
	for i, l := range is.Labels {
		names[i] = l.Name
	}
	body := ""
	if is.Body != nil {
		body = *is.Body
	}
	return provider.RemoteItem{
		Ref: models.RemoteRef{
			Provider:   ProviderID,
			ExternalID: ExternalID(repo, is.Number),
			Number:     is.Number,
			URL:        is.HTMLURL,
		},
		Title:     is.Title,
		Body:      body,
		Status:    StatusFromIssue(is.State, names),
		UpdatedAt: is.UpdatedAt.UTC(),
	}
}

func validRepo(op, collection string) error {
	owner, repo, ok := strings.Cut(collection, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return errs.Invalid(op, "repository %q must be owner/name", collection)
	}
	return nil
}
