// Package mail exposes Gmail threads under a label as read-only remote
// items. A thread with unread messages reads as Todo, otherwise Done.
package mail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/provider"
)

// ProviderID is the id used in remote refs and repo ids.
const ProviderID = "mail"

type threadList struct {
	Threads []struct {
		ID string `json:"id"`
	} `json:"threads"`
	NextPageToken string `json:"nextPageToken"`
}

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type message struct {
	ID           string   `json:"id"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate string   `json:"internalDate"`
	Payload      struct {
		Headers []header `json:"headers"`
	} `json:"payload"`
}

type thread struct {
	ID       string    `json:"id"`
	Snippet  string    `json:"snippet"`
	Messages []message `json:"messages"`
}

// Client reads Gmail threads.
type Client struct {
	http *provider.HTTP
}

// New returns a client authenticating through tokens.
func New(tokens provider.TokenSource, apiURL string, hc *http.Client) *Client {
	if apiURL == "" {
		apiURL = "https://gmail.googleapis.com/gmail/v1"
	}
	return &Client{http: &provider.HTTP{Provider: ProviderID, BaseURL: apiURL, Tokens: tokens, Client: hc}}
}

func (c *Client) ID() string { return ProviderID }

// ListItems returns the threads carrying the label collection.
func (c *Client) ListItems(ctx context.Context, collection string, since *time.Time) ([]provider.RemoteItem, error) {
	const op = "mail.list"
	if collection == "" {
		return nil, errs.Invalid(op, "label id is required")
	}

	q := url.Values{}
	q.Set("labelIds", collection)
	q.Set("maxResults", "100")
	if since != nil {
		q.Set("q", fmt.Sprintf("after:%d", since.Unix()))
	}

	var ids []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page threadList
		if _, err := c.http.Do(ctx, op, provider.Request{Method: http.MethodGet, Path: "users/me/threads", Query: q}, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Threads {
			ids = append(ids, t.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		q.Set("pageToken", page.NextPageToken)
	}

	items := make([]provider.RemoteItem, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var t thread
		if _, err := c.http.Do(ctx, op, provider.Request{
			Method: http.MethodGet,
			Path:   "users/me/threads/" + url.PathEscape(id),
			Query:  url.Values{"format": {"metadata"}, "metadataHeaders": {"Subject"}},
		}, &t); err != nil {
			return nil, err
		}
		items = append(items, toItem(t))
	}
	return items, nil
}

func (c *Client) CreateItem(context.Context, string, provider.NewItem) (provider.RemoteItem, error) {
	return provider.RemoteItem{}, errs.Invalid("mail.create", "mail threads cannot be created from a task")
}

func (c *Client) UpdateItem(context.Context, provider.ItemRef, provider.Patch) (provider.RemoteItem, error) {
	return provider.RemoteItem{}, errs.Invalid("mail.update", "mail threads are read-only")
}

func toItem(t thread) provider.RemoteItem {
	item := provider.RemoteItem{
		Ref: models.RemoteRef{
			Provider:   ProviderID,
			ExternalID: t.ID,
			URL:        "https://mail.google.com/mail/u/0/#all/" + t.ID,
		},
		Body:   t.Snippet,
		Status: models.TaskStatusDone,
	}
	for i, m := range t.Messages {
		if i == 0 {
			for _, h := range m.Payload.Headers {
				if strings.EqualFold(h.Name, "Subject") {
					item.Title = h.Value
				}
			}
		}
		for _, l := range m.LabelIDs {
			if l == "UNREAD" {
				item.Status = models.TaskStatusTodo
			}
		}
		if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil {
			if at := time.UnixMilli(ms).UTC(); at.After(item.UpdatedAt) {
				item.UpdatedAt = at
			}
		}
	}
	if item.Title == "" {
		item.Title = "(no subject)"
	}
	return item
}
