package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/store"
	"github.com/MarcoPoloResearchLab/roomsync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCanonicalizeRoomTypes   = "2026-09-14_canonicalize_room_types"
	migrationDeriveSubscriptionFlags = "2026-09-21_derive_subscription_flags"
	migrationFoldNames               = "2026-10-18_fold_names"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCanonicalizeRoomTypes, apply: canonicalizeRoomTypes},
		{name: migrationDeriveSubscriptionFlags, apply: deriveSubscriptionFlags},
		{name: migrationFoldNames, apply: foldNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// legacyRoomTypes maps the single-letter wire codes that early builds stored
// verbatim onto the canonical names.
var legacyRoomTypes = map[string]rooms.RoomType{
	"c":     rooms.RoomTypeChannel,
	"p":     rooms.RoomTypePrivate,
	"group": rooms.RoomTypePrivate,
	"d":     rooms.RoomTypeDirect,
}

func canonicalizeRoomTypes(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for legacy, canonical := range legacyRoomTypes {
			if err := tx.Model(&rooms.Subscription{}).
				Where("room_type = ?", legacy).
				Update("room_type", string(canonical)).Error; err != nil {
				return err
			}
			if err := tx.Model(&rooms.Room{}).
				Where("room_type = ?", legacy).
				Update("room_type", string(canonical)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func deriveSubscriptionFlags(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&rooms.Subscription{}).
			Where("1 = 1").
			Update("notifications_muted", gorm.Expr("mobile_push_notifications = ?", "nothing")).Error; err != nil {
			return err
		}
		return tx.Model(&rooms.Subscription{}).
			Where("1 = 1").
			Update("blocked", gorm.Expr("blocker")).Error
	})
}

// foldNames fills the caseless match columns for rows written before they
// existed.
func foldNames(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var subscriptions []rooms.Subscription
		if err := tx.Select("room_id", "name").Find(&subscriptions).Error; err != nil {
			return err
		}
		for _, record := range subscriptions {
			if err := tx.Model(&rooms.Subscription{}).
				Where("room_id = ?", record.RoomID).
				Update("name_folded", store.FoldName(record.Name)).Error; err != nil {
				return err
			}
		}

		var cached []rooms.Room
		if err := tx.Select("room_id", "name").Find(&cached).Error; err != nil {
			return err
		}
		for _, record := range cached {
			if err := tx.Model(&rooms.Room{}).
				Where("room_id = ?", record.RoomID).
				Update("name_folded", store.FoldName(record.Name)).Error; err != nil {
				return err
			}
		}

		var directory []users.DirectoryUser
		if err := tx.Select("user_id", "username").Find(&directory).Error; err != nil {
			return err
		}
		for _, record := range directory {
			if err := tx.Model(&users.DirectoryUser{}).
				Where("user_id = ?", record.UserID).
				Update("username_folded", store.FoldName(record.Username)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
