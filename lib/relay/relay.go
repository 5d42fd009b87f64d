// Package relay is the entry point transports use to publish and query
// events. It ties validation, storage, the advisory lock and the
// broadcaster together.
package relay

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/HORNET-Storage/hornet-relay/lib/broadcast"
	"github.com/HORNET-Storage/hornet-relay/lib/eventlock"
	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/stores"
	"github.com/HORNET-Storage/hornet-relay/lib/types"
)

const (
	MessageDuplicate = "duplicate: already have this event"
	MessageError     = "error: could not save event"
)

// defaultLockWait bounds how long a repeated submission waits for the writer of the same id
const defaultLockWait = 5 * time.Second

var duplicateResult = Result{Accepted: true, Duplicate: true, Message: MessageDuplicate}

// Result is the outcome of a publish, mirrored into the OK frame
type Result struct {
	Accepted  bool
	Duplicate bool
	Message   string
}

type Options struct {
	Events events.Options
	Limits filter.Limits

	// DedupTTL bounds how long a submission result is reused for the same id, 0 disables it
	DedupTTL time.Duration

	// LockWait bounds how long a repeated submission waits for the first one, 0 means 5s
	LockWait time.Duration
}

// OptionsFromConfig maps the typed configuration onto relay options
func OptionsFromConfig(cfg *types.Config) Options {
	return Options{
		Events: events.Options{
			CreatedAtUpperLimit: cfg.Events.CreatedAtUpperLimit,
			MinLeadingZeroBits:  cfg.Events.MinLeadingZeroBits,
		},
		Limits:   filter.LimitsFromConfig(cfg.Filters),
		DedupTTL: time.Duration(cfg.Events.DedupTTLSeconds) * time.Second,
	}
}

type Relay struct {
	store       stores.Store
	broadcaster *broadcast.Broadcaster
	locks       *eventlock.Locks[Result]
	opts        Options
}

// New builds a relay over store. A nil broadcaster disables fan-out.
func New(store stores.Store, broadcaster *broadcast.Broadcaster, opts Options) *Relay {
	if opts.Limits == (filter.Limits{}) {
		opts.Limits = filter.DefaultLimits()
	}

	return &Relay{
		store:       store,
		broadcaster: broadcaster,
		locks:       eventlock.New[Result](opts.DedupTTL),
		opts:        opts,
	}
}

func (r *Relay) lockWait() time.Duration {
	if r.opts.LockWait > 0 {
		return r.opts.LockWait
	}
	return defaultLockWait
}

func (r *Relay) Store() stores.Store {
	return r.store
}

func (r *Relay) Broadcaster() *broadcast.Broadcaster {
	return r.broadcaster
}

func (r *Relay) Limits() filter.Limits {
	return r.opts.Limits
}

// ValidateAndClassify decodes a raw event and runs every acceptance check.
// The returned error is a *events.ValidationError for anything the
// publisher did wrong.
func (r *Relay) ValidateAndClassify(raw []byte) (*events.Event, error) {
	ev, err := events.Decode(raw)
	if err != nil {
		return nil, err
	}

	if err := events.Validate(ev, r.opts.Events); err != nil {
		return nil, err
	}

	return ev, nil
}

// AcceptEvent stores a validated event and notifies subscribers. Ephemeral
// events are only broadcast. The error is set only for storage failures.
func (r *Relay) AcceptEvent(ctx context.Context, ev *events.Event) (Result, error) {
	if ev.Class() == events.Ephemeral {
		r.broadcast(ev)
		return Result{Accepted: true}, nil
	}

	// A cached outcome means this id was already written or refused as a duplicate
	if _, ok := r.locks.Recall(ev.ID); ok {
		return duplicateResult, nil
	}

	acquired := r.locks.TryAcquire(ev.ID)
	if !acquired {
		// Another submission of this id is being written, share its outcome
		waitCtx, cancel := context.WithTimeout(ctx, r.lockWait())
		_, ok := r.locks.Wait(waitCtx, ev.ID)
		cancel()
		if ok {
			return duplicateResult, nil
		}

		// The holder failed or stalled; the store still decides below
		acquired = r.locks.TryAcquire(ev.ID)
	}

	saved, err := r.store.SaveEvent(ctx, ev)
	if err != nil {
		if acquired {
			r.locks.Release(ev.ID)
		}
		logging.Error("Failed to save event", map[string]interface{}{
			"event_id": ev.ID,
			"kind":     ev.Kind,
			"error":    err,
		})
		return Result{Accepted: false, Message: MessageError}, err
	}

	if saved.Duplicate {
		r.locks.Remember(ev.ID, duplicateResult)
		return duplicateResult, nil
	}

	r.locks.Remember(ev.ID, Result{Accepted: true})

	// Rows that left the store may be published again
	if saved.Replaced != "" {
		r.locks.Release(saved.Replaced)
	}
	for _, id := range saved.Deleted {
		r.locks.Release(id)
	}

	if saved.Replaced != "" || len(saved.Deleted) > 0 {
		logging.Debug("Event superseded stored events", map[string]interface{}{
			"event_id": ev.ID,
			"replaced": saved.Replaced,
			"deleted":  len(saved.Deleted),
		})
	}

	r.broadcast(ev)
	return Result{Accepted: true}, nil
}

// Submit runs ValidateAndClassify and AcceptEvent, folding validation
// failures into a rejected Result.
func (r *Relay) Submit(ctx context.Context, raw []byte) (*events.Event, Result, error) {
	ev, err := r.ValidateAndClassify(raw)
	if err != nil {
		var verr *events.ValidationError
		if errors.As(err, &verr) {
			return nil, Result{Accepted: false, Message: verr.Message}, nil
		}
		return nil, Result{}, err
	}

	result, err := r.AcceptEvent(ctx, ev)
	return ev, result, err
}

func (r *Relay) broadcast(ev *events.Event) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Broadcast(ev)
}

// ParseFilters parses raw filters with the relay's limits
func (r *Relay) ParseFilters(raws []jsoniter.RawMessage) ([]*filter.Filter, error) {
	return filter.ParseAll(raws, r.opts.Limits)
}

// Query runs every filter concurrently and merges the results, dropping
// repeated ids and ordering newest first.
func (r *Relay) Query(ctx context.Context, filters []*filter.Filter) ([]*events.Event, error) {
	results := make([][]*events.Event, len(filters))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, f := range filters {
		i, f := i, f
		group.Go(func() error {
			found, err := r.store.Find(groupCtx, f)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return stores.MergeEvents(results), nil
}

// QueryTopIDs runs every filter, keeps the first score seen per id and caps the merged list
func (r *Relay) QueryTopIDs(ctx context.Context, filters []*filter.Filter) ([]stores.TopID, error) {
	results := make([][]stores.TopID, len(filters))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, f := range filters {
		i, f := i, f
		group.Go(func() error {
			found, err := r.store.FindTopIDs(groupCtx, f)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return stores.MergeTopIDs(results, stores.MaxTopIDs), nil
}

// SweepExpired deletes expired events once and drops stale advisory locks
func (r *Relay) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	if r.opts.Events.Now != nil {
		now = r.opts.Events.Now()
	}

	removed, err := r.store.DeleteExpired(ctx, now)
	r.locks.Prune()
	return removed, err
}

// RunExpirationSweep calls SweepExpired every interval until ctx is done
func (r *Relay) RunExpirationSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logging.Info("Expiration sweep disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx); err != nil {
				logging.Error("Expiration sweep failed", map[string]interface{}{"error": err})
			}
		case <-ctx.Done():
			return
		}
	}
}
