// Package remote talks to the case-management REST API that owns tasks,
// events, notes and cases.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"docket/domain"
	"docket/reconcile"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, msg)
}

// Client is a JSON client for the REST API.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a Client. A zero timeout leaves deadlines to the caller's
// context.
func New(baseURL, bearer string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// collection returns the resource path of an entity type.
func collection(t domain.EntityType) (string, error) {
	switch t {
	case domain.EntityTask, domain.EntityEvent, domain.EntityNote, domain.EntityCase:
		return "/" + string(t) + "s", nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownEntity, t)
}

func resource(ref domain.Ref) (string, error) {
	base, err := collection(ref.Entity)
	if err != nil {
		return "", err
	}
	return base + "/" + url.PathEscape(ref.ID), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	data, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// UpdateOrderable writes category and position in one call.
func (c *Client) UpdateOrderable(ctx context.Context, ref domain.Ref, u domain.OrderUpdate) error {
	fields := u.Fields()
	if len(fields) == 0 {
		return nil
	}
	return c.Update(ctx, ref, fields)
}

// SetField updates a single field. A nil value clears it.
func (c *Client) SetField(ctx context.Context, ref domain.Ref, field string, value any) error {
	return c.Update(ctx, ref, domain.Fields{field: value})
}

// Update sends a partial record.
func (c *Client) Update(ctx context.Context, ref domain.Ref, fields domain.Fields) error {
	path, err := resource(ref)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, path, fields, nil)
}

// Create posts a creation payload and returns the id the API assigned.
func (c *Client) Create(ctx context.Context, entity domain.EntityType, input any) (string, error) {
	path, err := collection(entity)
	if err != nil {
		return "", err
	}
	var created struct {
		ID any `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, input, &created); err != nil {
		return "", err
	}
	return reconcile.Decode(created.ID), nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, ref domain.Ref) error {
	path, err := resource(ref)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Get loads a full snapshot.
func (c *Client) Get(ctx context.Context, ref domain.Ref) (domain.Entity, error) {
	path, err := resource(ref)
	if err != nil {
		return nil, err
	}
	data, err := c.raw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return domain.DecodeEntity(ref.Entity, data)
}

// FetchItems lists the grouping's entity records as orderable items.
func (c *Client) FetchItems(ctx context.Context, g reconcile.Grouping) ([]domain.Item, error) {
	path, err := collection(g.Entity)
	if err != nil {
		return nil, err
	}
	var records []domain.Fields
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	items := make([]domain.Item, 0, len(records))
	for _, r := range records {
		id := reconcile.Decode(r["id"])
		if id == "" {
			continue
		}
		items = append(items, g.Item(id, r))
	}
	return items, nil
}
