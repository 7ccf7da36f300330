// Package sync implements the change-suppression contract polling clients
// apply to list results: a record is only worth re-rendering when its status,
// last-modified marker, or event count moved since the previous poll. The
// store upholds the two properties this depends on — stable identifiers and
// a monotonically non-decreasing updated_at.
package sync

import (
	"time"

	"media-pipeline/internal/models"
)

// Entry is the per-item fingerprint a client keeps between polls.
type Entry struct {
	Status     models.ItemStatus
	UpdatedAt  time.Time
	EventCount int
}

// Snapshot is the last-seen state keyed by item id.
type Snapshot map[string]Entry

// Delta lists the ids a consumer must act on after a poll.
type Delta struct {
	Added   []string
	Changed []string
	Removed []string
}

// Take builds a snapshot from a polled listing.
func Take(items []models.Item) Snapshot {
	snap := make(Snapshot, len(items))
	for _, item := range items {
		snap[item.ID] = Entry{
			Status:     item.Status,
			UpdatedAt:  item.UpdatedAt,
			EventCount: len(item.Events),
		}
	}
	return snap
}

// Diff reconciles a fresh listing against the previous snapshot. Items whose
// fingerprint is unchanged are suppressed entirely.
func Diff(prev Snapshot, incoming []models.Item) Delta {
	var delta Delta
	seen := make(map[string]struct{}, len(incoming))
	for _, item := range incoming {
		seen[item.ID] = struct{}{}
		old, ok := prev[item.ID]
		if !ok {
			delta.Added = append(delta.Added, item.ID)
			continue
		}
		if old.Status != item.Status || !old.UpdatedAt.Equal(item.UpdatedAt) || old.EventCount != len(item.Events) {
			delta.Changed = append(delta.Changed, item.ID)
		}
	}
	for id := range prev {
		if _, ok := seen[id]; !ok {
			delta.Removed = append(delta.Removed, id)
		}
	}
	return delta
}

// Empty reports whether the delta requires no downstream work.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}
