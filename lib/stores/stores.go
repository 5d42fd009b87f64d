package stores

import (
	"context"
	"sort"
	"time"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
)

// MaxTopIDs caps the merged result of a multi filter top id query
const MaxTopIDs = 1000

// SaveResult reports what a write did. Duplicate is set when the event was
// already stored or lost the replacement ordering.
type SaveResult struct {
	Duplicate bool

	// Replaced holds the id of the row a replaceable event displaced
	Replaced string

	// Deleted holds the ids removed by a deletion event
	Deleted []string
}

// TopID is a ranked event reference, Score defaults to created_at
type TopID struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type Store interface {
	// SaveEvent persists a validated, non ephemeral event
	SaveEvent(ctx context.Context, ev *events.Event) (SaveResult, error)

	Find(ctx context.Context, f *filter.Filter) ([]*events.Event, error)
	FindTopIDs(ctx context.Context, f *filter.Filter) ([]TopID, error)

	// DeleteExpired removes every event whose expiration lies before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// MergeTopIDs flattens per filter results, keeps the first occurrence of
// each id, sorts by score descending and caps the result at max.
func MergeTopIDs(results [][]TopID, max int) []TopID {
	seen := make(map[string]struct{})
	merged := make([]TopID, 0)

	for _, list := range results {
		for _, top := range list {
			if _, ok := seen[top.ID]; ok {
				continue
			}
			seen[top.ID] = struct{}{}
			merged = append(merged, top)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if max > 0 && len(merged) > max {
		merged = merged[:max]
	}

	return merged
}

// MergeEvents flattens per filter results, dropping repeated ids and
// ordering by created_at descending with id as the tie-break.
func MergeEvents(results [][]*events.Event) []*events.Event {
	seen := make(map[string]struct{})
	merged := make([]*events.Event, 0)

	for _, list := range results {
		for _, ev := range list {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}

	SortEvents(merged)
	return merged
}

// SortEvents orders newest first, ties broken by ascending id
func SortEvents(list []*events.Event) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt > list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
}

// TopIDsFromEvents scores each event by its created_at
func TopIDsFromEvents(list []*events.Event) []TopID {
	out := make([]TopID, 0, len(list))
	for _, ev := range list {
		out = append(out, TopID{ID: ev.ID, Score: float64(ev.CreatedAt)})
	}
	return out
}
