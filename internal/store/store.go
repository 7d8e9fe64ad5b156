package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingName     = errors.New("checkpoint name is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew          = "store.new"
	opWriteTransaction  = "store.write_transaction"
	opFindSubscriptions = "store.find_subscriptions"
	opFindRooms         = "store.find_rooms"
	opLoadCheckpoint    = "store.load_checkpoint"
	opSaveCheckpoint    = "store.save_checkpoint"
)

// Error carries a coded "operation.reason" failure from the store.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Checkpoint persists a reconciliation watermark.
type Checkpoint struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	SinceMs     int64  `gorm:"column:since_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}

// SubscriptionFilter narrows FindSubscriptions. Empty fields are ignored.
type SubscriptionFilter struct {
	RoomID       string
	Type         rooms.RoomType
	ExcludeType  rooms.RoomType
	NameContains string
	Limit        int
}

// RoomFilter narrows FindRooms. Empty fields are ignored.
type RoomFilter struct {
	NameContains string
	Type         rooms.RoomType
	Limit        int
}

// Config describes the dependencies of the store adapter.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the gorm-backed local store for subscriptions, the room cache and
// reconciliation checkpoints.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs the store adapter.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WriteTransaction runs fn in a single database transaction. Any error
// returned by fn rolls back every write fn made.
func (s *Store) WriteTransaction(ctx context.Context, fn func(tx rooms.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txAdapter{db: tx})
	})
	if err != nil {
		s.logError(opWriteTransaction, "rolled_back", err)
		return err
	}
	return nil
}

// FindSubscriptions returns subscriptions matching filter ordered by name.
func (s *Store) FindSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]rooms.Subscription, error) {
	query := s.db.WithContext(ctx).Model(&rooms.Subscription{})
	if roomID := strings.TrimSpace(filter.RoomID); roomID != "" {
		query = query.Where("room_id = ?", roomID)
	}
	if filter.Type != "" {
		query = query.Where("room_type = ?", string(filter.Type))
	}
	if filter.ExcludeType != "" {
		query = query.Where("room_type <> ?", string(filter.ExcludeType))
	}
	if filter.NameContains != "" {
		query = query.Where(`name_folded LIKE ? ESCAPE '\'`, containsPattern(filter.NameContains))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []rooms.Subscription
	if err := query.Order("name ASC").Order("room_id ASC").Find(&records).Error; err != nil {
		s.logError(opFindSubscriptions, "query_failed", err)
		return nil, newError(opFindSubscriptions, "query_failed", err)
	}
	return records, nil
}

// FindRooms returns cached rooms matching filter ordered by name.
func (s *Store) FindRooms(ctx context.Context, filter RoomFilter) ([]rooms.Room, error) {
	query := s.db.WithContext(ctx).Model(&rooms.Room{})
	if filter.Type != "" {
		query = query.Where("room_type = ?", string(filter.Type))
	}
	if filter.NameContains != "" {
		query = query.Where(`name_folded LIKE ? ESCAPE '\'`, containsPattern(filter.NameContains))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []rooms.Room
	if err := query.Order("name ASC").Order("room_id ASC").Find(&records).Error; err != nil {
		s.logError(opFindRooms, "query_failed", err)
		return nil, newError(opFindRooms, "query_failed", err)
	}
	return records, nil
}

// LoadCheckpoint returns the stored watermark for name. The boolean is false
// when no checkpoint was saved yet.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (time.Time, bool, error) {
	if strings.TrimSpace(name) == "" {
		return time.Time{}, false, newError(opLoadCheckpoint, "missing_name", errMissingName)
	}
	var record Checkpoint
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		s.logError(opLoadCheckpoint, "query_failed", err, zap.String("checkpoint", name))
		return time.Time{}, false, newError(opLoadCheckpoint, "query_failed", err)
	}
	return time.UnixMilli(record.SinceMs).UTC(), true, nil
}

// SaveCheckpoint stores since as the watermark for name.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, since time.Time) error {
	if strings.TrimSpace(name) == "" {
		return newError(opSaveCheckpoint, "missing_name", errMissingName)
	}
	record := Checkpoint{
		Name:        name,
		SinceMs:     since.UnixMilli(),
		UpdatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opSaveCheckpoint, "save_failed", err, zap.String("checkpoint", name))
		return newError(opSaveCheckpoint, "save_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store operation failed", attrs...)
}

type txAdapter struct {
	db *gorm.DB
}

func (t *txAdapter) SubscriptionByRoomID(roomID string) (*rooms.Subscription, error) {
	var record rooms.Subscription
	err := t.db.Where("room_id = ?", roomID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *txAdapter) SubscriptionByID(subscriptionID string) (*rooms.Subscription, error) {
	var record rooms.Subscription
	err := t.db.Where("subscription_id = ?", subscriptionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *txAdapter) RoomByID(roomID string) (*rooms.Room, error) {
	var record rooms.Room
	err := t.db.Where("room_id = ?", roomID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertSubscription inserts record, or replaces the stored row with the same
// room id when updateIfExists is set.
func (t *txAdapter) UpsertSubscription(record rooms.Subscription, updateIfExists bool) error {
	record.NameFolded = FoldName(record.Name)
	if updateIfExists {
		return t.db.Save(&record).Error
	}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

func (t *txAdapter) UpsertRoom(record rooms.Room, updateIfExists bool) error {
	record.NameFolded = FoldName(record.Name)
	if updateIfExists {
		return t.db.Save(&record).Error
	}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FoldName is the caseless form of a room name used by the name_folded
// columns. SQLite's LOWER only folds ASCII, so matching happens on this.
func FoldName(name string) string {
	return cases.Fold().String(name)
}

func containsPattern(fragment string) string {
	return "%" + likeEscaper.Replace(FoldName(fragment)) + "%"
}
