package models

import (
	"fmt"
	"time"
)

// ItemStatus is the closed set of item lifecycle states.
type ItemStatus string

const (
	StatusUploaded   ItemStatus = "uploaded"
	StatusProcessing ItemStatus = "processing"
	StatusDone       ItemStatus = "done"
)

// ParseItemStatus validates a raw status value. Every mutation path goes
// through this constructor; there is no other way to obtain an ItemStatus
// from caller input.
func ParseItemStatus(raw string) (ItemStatus, error) {
	switch ItemStatus(raw) {
	case StatusUploaded, StatusProcessing, StatusDone:
		return ItemStatus(raw), nil
	}
	return "", fmt.Errorf("invalid status %q: must be one of uploaded, processing, done", raw)
}

// Item represents one uploaded piece of media and its processing state.
type Item struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ContentRef string     `json:"content_ref"`
	SizeBytes  int64      `json:"size_bytes"`
	Status     ItemStatus `json:"status"`
	Events     []Event    `json:"events"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Event is an append-only log entry attached to an item. Events are never
// mutated or reordered after insertion; the store's sequence number, not the
// timestamp, is the canonical order.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
