package gorm

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/stores"
)

// MaxTagIntersection is the most distinct tag letters the tag index path will join.
// Filters with more letters and no ids return nothing.
const MaxTagIntersection = 2

// QueryPath names the strategy chosen for a filter
type QueryPath int

const (
	PathEmpty QueryPath = iota
	PathSearch
	PathDTag
	PathPrimary
	PathTagIndex
)

func (p QueryPath) String() string {
	switch p {
	case PathEmpty:
		return "empty"
	case PathSearch:
		return "search"
	case PathDTag:
		return "d_tag"
	case PathPrimary:
		return "primary"
	case PathTagIndex:
		return "tag_index"
	default:
		return "unknown"
	}
}

// ChoosePath picks the query strategy for f
func ChoosePath(f *filter.Filter) QueryPath {
	switch {
	case f.Limit == 0:
		return PathEmpty
	case f.HasSearch():
		return PathSearch
	}

	if _, ok := f.DTagValues(); ok {
		return PathDTag
	}

	if len(f.IDs) > 0 || len(f.Tags) == 0 {
		return PathPrimary
	}

	if len(f.Tags) > MaxTagIntersection {
		return PathEmpty
	}

	return PathTagIndex
}

// Find returns the events matching f, newest first, at most f.Limit
func (store *GormStore) Find(ctx context.Context, f *filter.Filter) ([]*events.Event, error) {
	path := ChoosePath(f)
	logging.Debug("Executing filter", map[string]interface{}{"path": path.String(), "limit": f.Limit})

	switch path {
	case PathEmpty:
		return []*events.Event{}, nil
	case PathSearch:
		return store.Search.Search(ctx, f)
	case PathDTag:
		return store.findByDTag(ctx, f)
	case PathTagIndex:
		return store.findByTagIndex(ctx, f)
	default:
		return store.findPrimary(ctx, f)
	}
}

// FindTopIDs returns ranked ids for f, the score being created_at outside search
func (store *GormStore) FindTopIDs(ctx context.Context, f *filter.Filter) ([]stores.TopID, error) {
	if ChoosePath(f) == PathSearch {
		return store.Search.SearchTopIDs(ctx, f)
	}

	found, err := store.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	return stores.TopIDsFromEvents(found), nil
}

// findPrimary scans the events table with every predicate of the filter
func (store *GormStore) findPrimary(ctx context.Context, f *filter.Filter) ([]*events.Event, error) {
	query := store.DB.WithContext(ctx).Model(&EventRecord{})
	query = applyEventPredicates(query, f)

	for _, letter := range f.TagLetters() {
		query = query.Where(
			"EXISTS (SELECT 1 FROM generic_tags g WHERE g.event_id = events.id AND g.tag IN ?)",
			tagKeys(letter, f.Tags[letter]))
	}

	return fetchRecords(query, f.Limit)
}

// findByDTag answers "latest addressable event for author, kind and d" from the d_tag_value column
func (store *GormStore) findByDTag(ctx context.Context, f *filter.Filter) ([]*events.Event, error) {
	values, _ := f.DTagValues()

	query := store.DB.WithContext(ctx).Model(&EventRecord{}).
		Where("d_tag_value IN ?", values)
	query = applyEventPredicates(query, f)

	for _, letter := range f.TagLetters() {
		if letter == "d" {
			continue
		}
		query = query.Where(
			"EXISTS (SELECT 1 FROM generic_tags g WHERE g.event_id = events.id AND g.tag IN ?)",
			tagKeys(letter, f.Tags[letter]))
	}

	return fetchRecords(query, f.Limit)
}

// findByTagIndex resolves ids from generic_tags, joining a second alias
// when two letters are constrained, then loads the events.
func (store *GormStore) findByTagIndex(ctx context.Context, f *filter.Filter) ([]*events.Event, error) {
	letters := f.TagLetters()
	if len(letters) == 0 || len(letters) > MaxTagIntersection {
		return []*events.Event{}, nil
	}

	db := store.DB.WithContext(ctx)
	query := db.Table("generic_tags AS g1").
		Select("DISTINCT g1.event_id, g1.created_at").
		Where("g1.tag IN ?", tagKeys(letters[0], f.Tags[letters[0]]))

	if len(letters) == 2 {
		query = query.
			Joins("JOIN generic_tags AS g2 ON g2.event_id = g1.event_id").
			Where("g2.tag IN ?", tagKeys(letters[1], f.Tags[letters[1]]))
	}

	if len(f.Kinds) > 0 {
		query = query.Where("g1.kind IN ?", f.Kinds)
	}
	if len(f.Authors) > 0 {
		cond, args := prefixCondition("g1.author", f.Authors)
		query = query.Where(cond, args...)
	}
	if f.Since != nil {
		query = query.Where("g1.created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		query = query.Where("g1.created_at <= ?", *f.Until)
	}

	var hits []struct {
		EventID   string
		CreatedAt int64
	}
	err := query.Order("g1.created_at DESC").Order("g1.event_id ASC").Limit(f.Limit).Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("tag index query failed: %w", err)
	}

	if len(hits) == 0 {
		return []*events.Event{}, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.EventID
	}

	return fetchRecords(db.Model(&EventRecord{}).Where("id IN ?", ids), f.Limit)
}

func applyEventPredicates(query *gorm.DB, f *filter.Filter) *gorm.DB {
	if len(f.IDs) > 0 {
		cond, args := prefixCondition("id", f.IDs)
		query = query.Where(cond, args...)
	}
	if len(f.Authors) > 0 {
		cond, args := prefixCondition("author", f.Authors)
		query = query.Where(cond, args...)
	}
	if len(f.Kinds) > 0 {
		query = query.Where("kind IN ?", f.Kinds)
	}
	if f.Since != nil {
		query = query.Where("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		query = query.Where("created_at <= ?", *f.Until)
	}
	return query
}

func fetchRecords(query *gorm.DB, limit int) ([]*events.Event, error) {
	var records []EventRecord
	err := query.Order("created_at DESC").Order("id ASC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}

	out := make([]*events.Event, 0, len(records))
	for i := range records {
		ev, err := records[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// prefixCondition ORs one predicate per prefix. Full length values use
// equality, shorter ones LIKE; values are already checked to be hex.
func prefixCondition(column string, prefixes []string) (string, []interface{}) {
	parts := make([]string, 0, len(prefixes))
	args := make([]interface{}, 0, len(prefixes))

	for _, p := range prefixes {
		if len(p) == 64 {
			parts = append(parts, column+" = ?")
			args = append(args, p)
			continue
		}
		parts = append(parts, column+" LIKE ?")
		args = append(args, p+"%")
	}

	return "(" + strings.Join(parts, " OR ") + ")", args
}

func tagKeys(letter string, values []string) []string {
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = letter + ":" + v
	}
	return keys
}
