package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/HORNET-Storage/hornet-relay/lib/logging"
)

// DeleteExpired removes every event whose expiration is before now, together
// with its tag rows, and retires the removed ids from search.
func (store *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var expired []string

	err := store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&EventRecord{}).
			Where("expiration IS NOT NULL AND expiration < ?", now.Unix()).
			Pluck("id", &expired).Error
		if err != nil {
			return fmt.Errorf("failed to list expired events: %w", err)
		}

		return deleteByIDs(tx, expired)
	})
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		logging.Info("Removed expired events", map[string]interface{}{"count": len(expired)})
		store.retire(ctx, expired)
	}

	return int64(len(expired)), nil
}
