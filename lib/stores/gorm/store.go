package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/search"
	"github.com/HORNET-Storage/hornet-relay/lib/stores"
)

// ErrEphemeral is returned when an ephemeral event reaches the store
var ErrEphemeral = errors.New("ephemeral events are never stored")

// GormStore is the relational event store. Replacement correctness rests on
// the conditional upsert in saveReplaceable, not on any in-process lock.
type GormStore struct {
	DB     *gorm.DB
	Search search.Index
}

var _ stores.Store = (*GormStore)(nil)

// NewStore wraps an open database and migrates the schema. A nil index disables search.
func NewStore(db *gorm.DB, idx search.Index) (*GormStore, error) {
	if idx == nil {
		idx = search.Disabled{}
	}

	store := &GormStore{DB: db, Search: idx}
	if err := store.Init(); err != nil {
		return nil, err
	}
	return store, nil
}

// Init migrates the events and generic_tags tables and their indexes
func (store *GormStore) Init() error {
	if err := store.DB.AutoMigrate(&EventRecord{}, &GenericTagRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	for _, stmt := range []string{replacementIndexSQL, dTagIndexSQL} {
		if err := store.DB.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Close closes the connection pool and the search index when it can be closed
func (store *GormStore) Close() error {
	sqlDB, err := store.DB.DB()
	if err != nil {
		return err
	}

	var closeErr error
	if closer, ok := store.Search.(interface{ Close() error }); ok {
		closeErr = closer.Close()
	}

	return multierr.Combine(sqlDB.Close(), closeErr)
}

// SaveEvent stores ev according to its class. Tag rows change in the same
// transaction as the event row, search is only told after commit.
func (store *GormStore) SaveEvent(ctx context.Context, ev *events.Event) (stores.SaveResult, error) {
	var (
		result stores.SaveResult
		err    error
	)

	switch ev.Class() {
	case events.Ephemeral:
		return result, ErrEphemeral
	case events.Replaceable, events.ParameterizedReplaceable:
		result, err = store.saveReplaceable(ctx, ev)
	default:
		result, err = store.saveUnique(ctx, ev)
	}

	if err != nil {
		if isUniqueViolation(err) {
			return stores.SaveResult{Duplicate: true}, nil
		}
		return stores.SaveResult{}, err
	}

	if !result.Duplicate {
		store.updateSearch(ctx, ev, result)
	}

	return result, nil
}

// saveUnique inserts regular and deletion events keyed by id
func (store *GormStore) saveUnique(ctx context.Context, ev *events.Event) (stores.SaveResult, error) {
	var result stores.SaveResult

	record, err := newEventRecord(ev)
	if err != nil {
		return result, err
	}

	err = store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(record)
		if res.Error != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
			return nil
		}

		if err := insertGenericTags(tx, ev); err != nil {
			return err
		}

		if ev.Class() == events.Deletion {
			deleted, err := deleteReferenced(tx, ev)
			if err != nil {
				return err
			}
			result.Deleted = deleted
		}

		return nil
	})

	return result, err
}

// upsertReplaceableSQL writes the event unless the live row of its group
// orders after it by (created_at, id).
const upsertReplaceableSQL = `INSERT INTO events
	(id, pubkey, author, kind, created_at, tags, content, sig, expiration, d_tag_value)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (author, kind, d_tag_value) WHERE d_tag_value IS NOT NULL DO UPDATE SET
		id = excluded.id,
		pubkey = excluded.pubkey,
		created_at = excluded.created_at,
		tags = excluded.tags,
		content = excluded.content,
		sig = excluded.sig,
		expiration = excluded.expiration
	WHERE excluded.created_at > events.created_at
		OR (excluded.created_at = events.created_at AND excluded.id > events.id)`

func (store *GormStore) saveReplaceable(ctx context.Context, ev *events.Event) (stores.SaveResult, error) {
	var result stores.SaveResult

	record, err := newEventRecord(ev)
	if err != nil {
		return result, err
	}

	err = store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous []EventRecord
		err := tx.Select("id").
			Where("author = ? AND kind = ? AND d_tag_value = ?", record.Author, record.Kind, *record.DTagValue).
			Limit(1).
			Find(&previous).Error
		if err != nil {
			return fmt.Errorf("failed to load replacement group of %s: %w", ev.ID, err)
		}

		if len(previous) > 0 && previous[0].ID == ev.ID {
			result.Duplicate = true
			return nil
		}

		res := tx.Exec(upsertReplaceableSQL,
			record.ID, record.PubKey, record.Author, record.Kind, record.CreatedAtUnix,
			record.Tags, record.Content, record.Sig, nullableInt64(record.Expiration), *record.DTagValue)
		if res.Error != nil {
			return fmt.Errorf("failed to upsert event %s: %w", ev.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
			return nil
		}

		// The id update cascades to the old tag rows, clear both ids before re-inserting
		stale := []string{ev.ID}
		if len(previous) > 0 {
			stale = append(stale, previous[0].ID)
			result.Replaced = previous[0].ID
		}
		if err := tx.Where("event_id IN ?", stale).Delete(&GenericTagRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear tag index of %s: %w", ev.ID, err)
		}

		return insertGenericTags(tx, ev)
	})

	return result, err
}

func insertGenericTags(tx *gorm.DB, ev *events.Event) error {
	records := newGenericTagRecords(ev)
	if len(records) == 0 {
		return nil
	}

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("failed to index tags of %s: %w", ev.ID, err)
	}
	return nil
}

// deleteReferenced removes the events named by the deletion's e tags that share its author
func deleteReferenced(tx *gorm.DB, deletion *events.Event) ([]string, error) {
	referenced := events.ReferencedEventIDs(&deletion.Event)
	if len(referenced) == 0 {
		return nil, nil
	}

	var owned []string
	err := tx.Model(&EventRecord{}).
		Where("id IN ? AND author = ? AND id <> ?", referenced, deletion.Author, deletion.ID).
		Pluck("id", &owned).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve deletion targets: %w", err)
	}

	if err := deleteByIDs(tx, owned); err != nil {
		return nil, err
	}

	return owned, nil
}

// deleteByIDs removes events and their tag rows. Tag rows are deleted
// explicitly so a connection without foreign keys still leaves no orphans.
func deleteByIDs(tx *gorm.DB, ids []string) error {
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		if err := tx.Where("event_id IN ?", batch).Delete(&GenericTagRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete tag rows: %w", err)
		}
		if err := tx.Where("id IN ?", batch).Delete(&EventRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
	}
	return nil
}

const deleteBatchSize = 500

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// updateSearch forwards a confirmed write to the search collaborator. Failures are logged only.
func (store *GormStore) updateSearch(ctx context.Context, ev *events.Event, result stores.SaveResult) {
	if err := store.Search.Index(ctx, ev, search.Derive(ev)); err != nil {
		logging.Warn("Failed to index event for search", map[string]interface{}{
			"event_id": ev.ID,
			"error":    err,
		})
	}

	retired := result.Deleted
	if result.Replaced != "" {
		retired = append([]string{result.Replaced}, retired...)
	}
	store.retire(ctx, retired)
}

func (store *GormStore) retire(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := store.Search.Retire(ctx, id); err != nil {
			logging.Warn("Failed to retire search document", map[string]interface{}{
				"event_id": id,
				"error":    err,
			})
		}
	}
}

// isUniqueViolation recognises a constraint race lost to a concurrent writer
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
