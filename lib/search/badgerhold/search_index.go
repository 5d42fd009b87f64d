package badgerhold

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/timshannon/badgerhold/v4"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/search"
	"github.com/HORNET-Storage/hornet-relay/lib/stores"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SearchDocument is the stored form of an indexed event
type SearchDocument struct {
	EventID     string `badgerhold:"key"`
	Tokens      []string
	Kind        int
	Author      string
	CreatedAt   int64
	DTagValue   *string
	Expiration  *int64
	GenericTags []string
	Event       []byte // JSON encoded nostr event
	IndexedAt   time.Time
}

// SearchIndex is a badgerhold backed search.Index
type SearchIndex struct {
	DatabasePath string
	Database     *badgerhold.Store
}

var _ search.Index = (*SearchIndex)(nil)

func cborEncode(value interface{}) ([]byte, error) {
	return cbor.Marshal(value)
}

func cborDecode(data []byte, value interface{}) error {
	return cbor.Unmarshal(data, value)
}

// InitStore opens (or creates) the search database at basepath
func InitStore(basepath string) (*SearchIndex, error) {
	if err := os.MkdirAll(basepath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create search directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Encoder = cborEncode
	options.Decoder = cborDecode
	options.Dir = basepath
	options.ValueDir = basepath
	options.Logger = nil

	// Documents are small, keep the footprint modest
	options.Options = options.Options.
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20).
		WithMemTableSize(16 << 20).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true)

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open search database: %w", err)
	}

	return &SearchIndex{DatabasePath: basepath, Database: db}, nil
}

// Close closes the underlying database
func (idx *SearchIndex) Close() error {
	return idx.Database.Close()
}

// TokenizeContent lowercases content and splits it on anything that is not
// a letter or digit. Tokens of two characters or fewer are dropped.
func TokenizeContent(content string) []string {
	seen := make(map[string]struct{})
	var tokens []string

	for _, token := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(token) <= 2 {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}

	return tokens
}

// Index upserts the document for ev
func (idx *SearchIndex) Index(ctx context.Context, ev *events.Event, fields search.DerivedFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(&ev.Event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}

	doc := SearchDocument{
		EventID:     ev.ID,
		Tokens:      TokenizeContent(ev.Content),
		Kind:        ev.Kind,
		Author:      fields.Author,
		CreatedAt:   ev.CreatedAtUnix(),
		DTagValue:   fields.DTagValue,
		Expiration:  fields.Expiration,
		GenericTags: fields.GenericTags,
		Event:       raw,
		IndexedAt:   time.Now(),
	}

	return idx.Database.Upsert(ev.ID, doc)
}

// Retire removes the document of eventID, a missing document is not an error
func (idx *SearchIndex) Retire(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := idx.Database.Delete(eventID, SearchDocument{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to retire %s: %w", eventID, err)
	}
	return nil
}

// Search returns events whose tokens contain every search word and that
// match the rest of the filter, newest first, at most f.Limit.
func (idx *SearchIndex) Search(ctx context.Context, f *filter.Filter) ([]*events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docs []SearchDocument
	if err := idx.Database.Find(&docs, buildQuery(f)); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("search index query failed: %w", err)
	}

	results := make([]*events.Event, 0)
	for i := range docs {
		ev, err := docs[i].decode()
		if err != nil {
			logging.Warn("Skipping undecodable search document", map[string]interface{}{
				"event_id": docs[i].EventID,
				"error":    err,
			})
			continue
		}
		if f.Matches(ev) {
			results = append(results, ev)
		}
	}

	stores.SortEvents(results)
	if len(results) > f.Limit {
		results = results[:f.Limit]
	}

	return results, nil
}

// SearchTopIDs is Search reduced to ids scored by created_at
func (idx *SearchIndex) SearchTopIDs(ctx context.Context, f *filter.Filter) ([]stores.TopID, error) {
	results, err := idx.Search(ctx, f)
	if err != nil {
		return nil, err
	}

	tops := stores.TopIDsFromEvents(results)
	sort.SliceStable(tops, func(i, j int) bool {
		return tops[i].Score > tops[j].Score
	})
	return tops, nil
}

// buildQuery ANDs a Contains criterion per search token plus the kind set.
// A nil query scans every document.
func buildQuery(f *filter.Filter) *badgerhold.Query {
	var query *badgerhold.Query

	where := func(field string) *badgerhold.Criterion {
		if query == nil {
			return badgerhold.Where(field)
		}
		return query.And(field)
	}

	for _, token := range TokenizeContent(f.SearchText()) {
		query = where("Tokens").Contains(token)
	}

	if len(f.Kinds) > 0 {
		kinds := make([]interface{}, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = k
		}
		query = where("Kind").In(kinds...)
	}

	return query
}

func (doc *SearchDocument) decode() (*events.Event, error) {
	var ev nostr.Event
	if err := json.Unmarshal(doc.Event, &ev); err != nil {
		return nil, err
	}

	out := events.New(ev)
	out.Author = doc.Author
	out.Expiration = doc.Expiration
	out.DTagValue = doc.DTagValue
	return out, nil
}
