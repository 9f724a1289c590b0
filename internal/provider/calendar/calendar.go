// Package calendar adapts Google Calendar events to remote items. The
// collection is a calendar id; a cancelled event reads as Done.
package calendar

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
)

// ProviderID is the id used in remote refs and repo ids.
const ProviderID = "calendar"

type eventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
}

type event struct {
	ID          string     `json:"id,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Updated     *time.Time `json:"updated,omitempty"`
	Start       *eventTime `json:"start,omitempty"`
	End         *eventTime `json:"end,omitempty"`
}

type eventList struct {
	Items         []event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

// Client is the Google Calendar events client.
type Client struct {
	http *provider.HTTP
	now  func() time.Time
}

// New returns a client authenticating through tokens.
func New(tokens provider.TokenSource, apiURL string, hc *http.Client) *Client {
	if apiURL == "" {
		apiURL = "https://www.googleapis.com/calendar/v3"
	}
	return &Client{
		http: &provider.HTTP{Provider: ProviderID, BaseURL: apiURL, Tokens: tokens, Client: hc},
		now:  time.Now,
	}
}

func (c *Client) ID() string { return ProviderID }

func (c *Client) ListItems(ctx context.Context, collection string, since *time.Time) ([]provider.RemoteItem, error) {
	const op = "calendar.list"
	if collection == "" {
		return nil, errs.Invalid(op, "calendar id is required")
	}

	q := url.Values{}
	q.Set("showDeleted", "true")
	q.Set("singleEvents", "true")
	q.Set("maxResults", "250")
	if since != nil {
		q.Set("updatedMin", since.UTC().Format(time.RFC3339))
	}

	items := []provider.RemoteItem{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page eventList
		if _, err := c.http.Do(ctx, op, provider.Request{
			Method: http.MethodGet,
			Path:   eventsPath(collection),
			Query:  q,
		}, &page); err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			items = append(items, toItem(ev))
		}
		if page.NextPageToken == "" {
			break
		}
		q.Set("pageToken", page.NextPageToken)
	}
	return items, nil
}

// CreateItem adds an all-day event for today.
func (c *Client) CreateItem(ctx context.Context, collection string, item provider.NewItem) (provider.RemoteItem, error) {
	const op = "calendar.create"
	if collection == "" {
		return provider.RemoteItem{}, errs.Invalid(op, "calendar id is required")
	}
	day := c.now().UTC()
	body := event{
		Summary:     &item.Title,
		Description: &item.Body,
		Start:       &eventTime{Date: day.Format(time.DateOnly)},
		End:         &eventTime{Date: day.AddDate(0, 0, 1).Format(time.DateOnly)},
	}
	if item.Status == models.TaskStatusDone {
		body.Status = "cancelled"
	}

	var created event
	if _, err := c.http.Do(ctx, op, provider.Request{
		Method: http.MethodPost,
		Path:   eventsPath(collection),
		Body:   body,
	}, &created); err != nil {
		return provider.RemoteItem{}, err
	}
	return toItem(created), nil
}

func (c *Client) UpdateItem(ctx context.Context, ref provider.ItemRef, patch provider.Patch) (provider.RemoteItem, error) {
	const op = "calendar.update"
	if ref.Collection == "" || ref.Ref.ExternalID == "" {
		return provider.RemoteItem{}, errs.Invalid(op, "calendar id and event id are required")
	}
	body := event{Summary: patch.Title, Description: patch.Body}
	if patch.Status != nil {
		body.Status = "confirmed"
		if *patch.Status == models.TaskStatusDone {
			body.Status = "cancelled"
		}
	}

	var updated event
	if _, err := c.http.Do(ctx, op, provider.Request{
		Method: http.MethodPatch,
		Path:   eventsPath(ref.Collection) + "/" + url.PathEscape(ref.Ref.ExternalID),
		Body:   body,
	}, &updated); err != nil {
		return provider.RemoteItem{}, err
	}
	return toItem(updated), nil
}

func eventsPath(calendarID string) string {
	return "calendars/" + url.PathEscape(calendarID) + "/events"
}

func toItem(ev event) provider.RemoteItem {
	var updated time.Time
	if ev.Updated != nil {
		updated = ev.Updated.UTC()
	}
	status := models.TaskStatusTodo
	if strings.EqualFold(ev.Status, "cancelled") {
		status = models.TaskStatusDone
	}
	return provider.RemoteItem{
		Ref: models.RemoteRef{
			Provider:   ProviderID,
			ExternalID: ev.ID,
			URL:        ev.HTMLLink,
		},
		Title:     deref(ev.Summary),
		Body:      deref(ev.Description),
		Status:    status,
		UpdatedAt: updated,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
