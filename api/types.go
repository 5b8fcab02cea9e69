package api

import (
	"context"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// DropLedger remembers drops by idempotency key so a retried request is
// answered with the first response instead of being applied again.
type DropLedger interface {
	// Claim reserves key for userID and returns true if it was free.
	// Otherwise it returns the settled response, nil while still pending.
	Claim(ctx context.Context, userID, key string) (bool, []byte, error)
	// Settle stores the response given for a claimed key.
	Settle(ctx context.Context, userID, key string, response []byte) error
	// Release forgets a claimed key, used when the drop fails.
	Release(ctx context.Context, userID, key string) error
}

// MaxBodySize caps request bodies.
const MaxBodySize = 64 * 1024 // 64 KiB

type startDragRequest struct {
	Grouping string `json:"grouping"`
	ItemID   string `json:"itemId"`
	Origin   string `json:"origin"`
}

type hoverRequest struct {
	Target string `json:"target"`
}

type keyRequest struct {
	Platform        string `json:"platform"`
	Key             string `json:"key"`
	Ctrl            bool   `json:"ctrl"`
	Meta            bool   `json:"meta"`
	Shift           bool   `json:"shift"`
	Alt             bool   `json:"alt"`
	FocusTag        string `json:"focusTag"`
	ContentEditable bool   `json:"contentEditable"`
}

type editRequest struct {
	Fields      map[string]any `json:"fields"`
	Description string         `json:"description"`
}

type addRequest struct {
	Grouping string         `json:"grouping"`
	Category string         `json:"category"`
	Fields   map[string]any `json:"fields"`
}
