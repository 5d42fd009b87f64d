// Package search defines the contract between the storage engine and the
// optional full text collaborator.
package search

import (
	"context"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/stores"
)

// DerivedFields are the values the relay computes from an event on top of its raw fields
type DerivedFields struct {
	Author      string
	DTagValue   *string
	Expiration  *int64
	GenericTags []string
}

// Derive collects the derived fields of ev
func Derive(ev *events.Event) DerivedFields {
	return DerivedFields{
		Author:      ev.Author,
		DTagValue:   ev.DTagValue,
		Expiration:  ev.Expiration,
		GenericTags: events.GenericTags(&ev.Event),
	}
}

// Index is the full text collaborator. Search results are ordered by
// score descending, the score being created_at until real ranking exists.
type Index interface {
	Index(ctx context.Context, ev *events.Event, fields DerivedFields) error
	Retire(ctx context.Context, eventID string) error
	Search(ctx context.Context, f *filter.Filter) ([]*events.Event, error)
	SearchTopIDs(ctx context.Context, f *filter.Filter) ([]stores.TopID, error)
}

// Disabled is used when no search backend is configured. Writes are
// dropped and every search yields nothing.
type Disabled struct{}

func (Disabled) Index(context.Context, *events.Event, DerivedFields) error { return nil }

func (Disabled) Retire(context.Context, string) error { return nil }

func (Disabled) Search(context.Context, *filter.Filter) ([]*events.Event, error) {
	return []*events.Event{}, nil
}

func (Disabled) SearchTopIDs(context.Context, *filter.Filter) ([]stores.TopID, error) {
	return []stores.TopID{}, nil
}
