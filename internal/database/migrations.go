package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/MarcoPoloResearchLab/edithistory/internal/revisions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEditEventType = "2024-03-01_backfill_edit_event_type"
	migrationDropOrphanEdits       = "2024-04-12_drop_orphan_edits"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// dataMigration is a one-shot data fix recorded by name in db_migrations.
type dataMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

func dataMigrations() []dataMigration {
	return []dataMigration{
		{name: migrationBackfillEditEventType, apply: backfillEditEventType},
		{name: migrationDropOrphanEdits, apply: dropOrphanEdits},
	}
}

// applyMigrations runs each pending migration and its bookkeeping row in one transaction.
// It returns how many migrations ran.
func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []dataMigration) (int, error) {
	applied := 0
	for _, migration := range migrations {
		ran := false
		err := db.Transaction(func(tx *gorm.DB) error {
			var record migrationRecord
			lookupErr := tx.Where("name = ?", migration.name).Take(&record).Error
			switch {
			case lookupErr == nil:
				return nil
			case !errors.Is(lookupErr, gorm.ErrRecordNotFound):
				return lookupErr
			}
			if err := migration.apply(tx); err != nil {
				return err
			}
			ran = true
			return tx.Create(&migrationRecord{
				Name:             migration.name,
				AppliedAtSeconds: time.Now().UTC().Unix(),
			}).Error
		})
		if err != nil {
			return applied, fmt.Errorf("database: migration %s: %w", migration.name, err)
		}
		if ran {
			applied++
			if logger != nil {
				logger.Info("database migration applied", zap.String("migration", migration.name))
			}
		}
	}
	return applied, nil
}

// backfillEditEventType marks edits stored before event types were recorded as plaintext.
func backfillEditEventType(tx *gorm.DB) error {
	return tx.Model(&revisions.Edit{}).
		Where("event_type = ''").
		Update("event_type", history.EventTypeMessage).Error
}

// dropOrphanEdits removes edits whose target message is missing from the edit's room.
func dropOrphanEdits(tx *gorm.DB) error {
	return tx.Where(
		"NOT EXISTS (SELECT 1 FROM messages WHERE messages.event_id = message_edits.relates_to AND messages.room_id = message_edits.room_id)",
	).Delete(&revisions.Edit{}).Error
}
