package relay_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HORNET-Storage/hornet-relay/lib/broadcast"
	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/relay"
	"github.com/HORNET-Storage/hornet-relay/lib/stores"
	"github.com/HORNET-Storage/hornet-relay/lib/stores/gorm/sqlite"
	"github.com/HORNET-Storage/hornet-relay/lib/types"
	"github.com/HORNET-Storage/hornet-relay/testing/helpers"
)

const now = int64(1700000000)

type recordingHandle struct {
	mu  sync.Mutex
	ids []string
}

func (h *recordingHandle) Deliver(_ string, ev *events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, ev.ID)
	return nil
}

func (h *recordingHandle) delivered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

// countingStore counts writes that reach the store
type countingStore struct {
	stores.Store
	saves atomic.Int32
}

func (s *countingStore) SaveEvent(ctx context.Context, ev *events.Event) (stores.SaveResult, error) {
	s.saves.Add(1)
	return s.Store.SaveEvent(ctx, ev)
}

type failingStore struct {
	stores.Store
}

func (failingStore) SaveEvent(context.Context, *events.Event) (stores.SaveResult, error) {
	return stores.SaveResult{}, errors.New("disk full")
}

// slowStore holds every write for delay, failing the first failFirst of them
type slowStore struct {
	stores.Store
	delay     time.Duration
	failFirst int32
	writes    atomic.Int32
}

func (s *slowStore) SaveEvent(ctx context.Context, ev *events.Event) (stores.SaveResult, error) {
	n := s.writes.Add(1)
	time.Sleep(s.delay)
	if n <= s.failFirst {
		return stores.SaveResult{}, errors.New("disk busy")
	}
	return s.Store.SaveEvent(ctx, ev)
}

func setupSlowRelay(t *testing.T, opts relay.Options, failFirst int32) (*relay.Relay, *slowStore) {
	t.Helper()

	store, err := sqlite.InitStore(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	slow := &slowStore{Store: store, delay: 100 * time.Millisecond, failFirst: failFirst}
	return relay.New(slow, broadcast.NewBroadcaster(), opts), slow
}

// acceptConcurrently submits ev from n goroutines at once
func acceptConcurrently(t *testing.T, r *relay.Relay, ev *nostr.Event, n int) []relay.Result {
	t.Helper()

	validated, err := r.ValidateAndClassify(raw(ev))
	require.NoError(t, err)

	results := make([]relay.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.AcceptEvent(context.Background(), validated)
		}(i)
	}
	wg.Wait()
	return results
}

func testOptions() relay.Options {
	return relay.Options{
		Events: events.Options{
			CreatedAtUpperLimit: 900,
			Now:                 func() time.Time { return time.Unix(now, 0) },
		},
		Limits: filter.DefaultLimits(),
	}
}

func setupRelay(t *testing.T, opts relay.Options) (*relay.Relay, *countingStore, *recordingHandle) {
	t.Helper()

	store, err := sqlite.InitStore(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	counting := &countingStore{Store: store}

	b := broadcast.NewBroadcaster()
	handle := &recordingHandle{}
	b.Attach("conn", handle)
	f, err := filter.Parse([]byte(`{}`), filter.DefaultLimits())
	require.NoError(t, err)
	b.Subscribe("conn", "all", []*filter.Filter{f})

	return relay.New(counting, b, opts), counting, handle
}

func raw(ev *nostr.Event) []byte {
	return []byte(ev.String())
}

func submit(t *testing.T, r *relay.Relay, ev *nostr.Event) relay.Result {
	t.Helper()
	_, result, err := r.Submit(context.Background(), raw(ev))
	require.NoError(t, err)
	return result
}

func query(t *testing.T, r *relay.Relay, rawFilters ...string) []string {
	t.Helper()

	raws := make([]jsoniter.RawMessage, len(rawFilters))
	for i, f := range rawFilters {
		raws[i] = jsoniter.RawMessage(f)
	}
	filters, err := r.ParseFilters(raws)
	require.NoError(t, err)

	found, err := r.Query(context.Background(), filters)
	require.NoError(t, err)

	ids := make([]string, len(found))
	for i, ev := range found {
		ids[i] = ev.ID
	}
	return ids
}

func TestReplaceableEndToEnd(t *testing.T) {
	r, _, handle := setupRelay(t, testOptions())
	kp := helpers.MustKeyPair()
	byAuthor := `{"authors":["` + kp.PublicKey + `"],"kinds":[0]}`

	first := helpers.CreateMetadata(kp, 100, "first")
	result := submit(t, r, first)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.Equal(t, []string{first.ID}, query(t, r, byAuthor))

	older := helpers.CreateMetadata(kp, 99, "older")
	result = submit(t, r, older)
	assert.True(t, result.Accepted)
	assert.True(t, result.Duplicate)
	assert.Equal(t, relay.MessageDuplicate, result.Message)
	assert.Equal(t, []string{first.ID}, query(t, r, byAuthor))

	third := helpers.CreateMetadata(kp, 101, "third")
	result = submit(t, r, third)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.Equal(t, []string{third.ID}, query(t, r, byAuthor))
	assert.Empty(t, query(t, r, `{"ids":["`+first.ID+`"]}`))

	assert.Equal(t, []string{first.ID, third.ID}, handle.delivered(), "only written events are broadcast")
}

func TestDeletionEndToEnd(t *testing.T) {
	r, _, _ := setupRelay(t, testOptions())
	author := helpers.MustKeyPair()
	stranger := helpers.MustKeyPair()

	x := helpers.CreateTextNote(author, 100, "x")
	submit(t, r, x)

	result := submit(t, r, helpers.CreateDeletion(stranger, 200, x.ID))
	assert.True(t, result.Accepted)
	assert.Equal(t, []string{x.ID}, query(t, r, `{"ids":["`+x.ID+`"]}`))

	submit(t, r, helpers.CreateDeletion(author, 200, x.ID))
	assert.Empty(t, query(t, r, `{"ids":["`+x.ID+`"]}`))
}

func TestSubmitRejectsInvalidEvents(t *testing.T) {
	r, store, handle := setupRelay(t, testOptions())
	kp := helpers.MustKeyPair()

	tampered := helpers.CreateTextNote(kp, 100, "x")
	tampered.Content = "changed"
	result := submit(t, r, tampered)
	assert.False(t, result.Accepted)
	assert.Equal(t, events.MessageBadID, result.Message)

	future := helpers.CreateTextNote(kp, now+901, "later")
	result = submit(t, r, future)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Message, "created_at too far in the future")

	expired := helpers.CreateTextNote(kp, 100, "gone", nostr.Tag{"expiration", "1000"})
	result = submit(t, r, expired)
	assert.False(t, result.Accepted)
	assert.Equal(t, events.MessageExpired, result.Message)

	_, result, err := r.Submit(context.Background(), []byte(`{"id":"nope"}`))
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Message, "invalid:")

	assert.Zero(t, store.saves.Load())
	assert.Empty(t, handle.delivered())
}

func TestEphemeralIsBroadcastOnly(t *testing.T) {
	r, store, handle := setupRelay(t, testOptions())
	kp := helpers.MustKeyPair()

	ev := helpers.MustEvent(kp, 20001, 100, "typing")
	result := submit(t, r, ev)
	assert.True(t, result.Accepted)

	assert.Equal(t, []string{ev.ID}, handle.delivered())
	assert.Zero(t, store.saves.Load())
	assert.Empty(t, query(t, r, `{"ids":["`+ev.ID+`"]}`))
}

func TestDuplicateSubmissionIsCollapsed(t *testing.T) {
	opts := testOptions()
	opts.DedupTTL = time.Minute
	r, store, handle := setupRelay(t, opts)

	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "once")

	first := submit(t, r, note)
	second := submit(t, r, note)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int32(1), store.saves.Load(), "the cached result answers the retransmission")
	assert.Equal(t, []string{note.ID}, handle.delivered())
}

func TestDuplicateWithoutCacheStillConverges(t *testing.T) {
	r, store, _ := setupRelay(t, testOptions())
	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "once")

	submit(t, r, note)
	second := submit(t, r, note)

	assert.True(t, second.Duplicate)
	assert.Equal(t, int32(2), store.saves.Load())
	assert.Equal(t, []string{note.ID}, query(t, r, `{"ids":["`+note.ID+`"]}`))
}

func TestConcurrentSubmissionsWriteOnce(t *testing.T) {
	opts := testOptions()
	opts.DedupTTL = time.Minute
	r, store := setupSlowRelay(t, opts, 0)

	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "racing")
	results := acceptConcurrently(t, r, note, 8)

	duplicates := 0
	for _, result := range results {
		assert.True(t, result.Accepted)
		if result.Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, int32(1), store.writes.Load(), "only the lock holder reaches the store")
	assert.Equal(t, 7, duplicates)
	assert.Equal(t, []string{note.ID}, query(t, r, `{"ids":["`+note.ID+`"]}`))
}

func TestWaitersRetryAfterFailedHolder(t *testing.T) {
	opts := testOptions()
	opts.DedupTTL = time.Minute
	r, store := setupSlowRelay(t, opts, 1)

	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "retry")
	results := acceptConcurrently(t, r, note, 4)

	failed, stored := 0, 0
	for _, result := range results {
		switch {
		case !result.Accepted:
			failed++
		case !result.Duplicate:
			stored++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, stored, "exactly one retry stores the event")
	assert.LessOrEqual(t, store.writes.Load(), int32(4))
	assert.Equal(t, []string{note.ID}, query(t, r, `{"ids":["`+note.ID+`"]}`))
}

func TestResubmitAfterDeletionIsStoredAgain(t *testing.T) {
	for _, ttl := range []time.Duration{0, time.Minute} {
		opts := testOptions()
		opts.DedupTTL = ttl
		r, _, _ := setupRelay(t, opts)
		author := helpers.MustKeyPair()

		x := helpers.CreateTextNote(author, 100, "x")
		submit(t, r, x)
		submit(t, r, helpers.CreateDeletion(author, 200, x.ID))
		require.Empty(t, query(t, r, `{"ids":["`+x.ID+`"]}`), "ttl %s", ttl)

		again := submit(t, r, x)
		assert.True(t, again.Accepted, "ttl %s", ttl)
		assert.False(t, again.Duplicate, "ttl %s", ttl)
		assert.Equal(t, []string{x.ID}, query(t, r, `{"ids":["`+x.ID+`"]}`), "ttl %s", ttl)
	}
}

func TestStorageFailureIsReported(t *testing.T) {
	b := broadcast.NewBroadcaster()
	handle := &recordingHandle{}
	b.Attach("conn", handle)

	opts := testOptions()
	opts.DedupTTL = time.Minute
	r := relay.New(failingStore{}, b, opts)

	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "x")
	_, result, err := r.Submit(context.Background(), raw(note))
	assert.Error(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, relay.MessageError, result.Message)
	assert.Empty(t, handle.delivered())

	// The failed holder released its lock, a retry is not answered from cache
	_, result, _ = r.Submit(context.Background(), raw(note))
	assert.False(t, result.Duplicate)
}

func TestQueryMergesFilters(t *testing.T) {
	r, _, _ := setupRelay(t, testOptions())
	kp := helpers.MustKeyPair()

	a := helpers.CreateTextNote(kp, 100, "a", nostr.Tag{"t", "x"})
	b := helpers.CreateTextNote(kp, 200, "b", nostr.Tag{"t", "y"})
	c := helpers.MustEvent(kp, 7, 300, "+")
	for _, ev := range []*nostr.Event{a, b, c} {
		submit(t, r, ev)
	}

	got := query(t, r, `{"#t":["x"]}`, `{"kinds":[1]}`, `{"kinds":[7]}`)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, got)

	filters, err := r.ParseFilters([]jsoniter.RawMessage{
		jsoniter.RawMessage(`{"kinds":[1]}`),
		jsoniter.RawMessage(`{"#t":["y"]}`),
	})
	require.NoError(t, err)
	tops, err := r.QueryTopIDs(context.Background(), filters)
	require.NoError(t, err)
	assert.Equal(t, []stores.TopID{{ID: b.ID, Score: 200}, {ID: a.ID, Score: 100}}, tops)
}

func TestSweepExpired(t *testing.T) {
	opts := testOptions()
	r, _, _ := setupRelay(t, opts)
	kp := helpers.MustKeyPair()

	soon := helpers.CreateTextNote(kp, 100, "soon", nostr.Tag{"expiration", "1700000010"})
	submit(t, r, soon)

	removed, err := r.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	later := relay.New(r.Store(), nil, relay.Options{
		Events: events.Options{Now: func() time.Time { return time.Unix(now+11, 0) }},
	})
	removed, err = later.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Empty(t, query(t, r, `{"ids":["`+soon.ID+`"]}`))
}

func TestRunExpirationSweepStops(t *testing.T) {
	r, _, _ := setupRelay(t, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunExpirationSweep(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop after cancel")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &types.Config{
		Events: types.EventsConfig{CreatedAtUpperLimit: 60, MinLeadingZeroBits: 8, DedupTTLSeconds: 5},
		Filters: types.FilterLimitsConfig{
			MaxKinds:     4,
			DefaultLimit: 10,
		},
	}

	opts := relay.OptionsFromConfig(cfg)
	assert.Equal(t, int64(60), opts.Events.CreatedAtUpperLimit)
	assert.Equal(t, 8, opts.Events.MinLeadingZeroBits)
	assert.Equal(t, 5*time.Second, opts.DedupTTL)
	assert.Equal(t, 4, opts.Limits.MaxKinds)
	assert.Equal(t, 10, opts.Limits.DefaultLimit)
	assert.Equal(t, 1000, opts.Limits.MaxLimit)
}
