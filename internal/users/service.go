package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidUser indicates a directory entry without an id or username.
var ErrInvalidUser = errors.New("users: invalid directory user")

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ServiceConfig describes the dependencies required by the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service stores users learned from spotlight results and answers
// username lookups for mention completion.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// UpsertUsers inserts or refreshes every entry. Entries without an id or a
// username are rejected before anything is written.
func (s *Service) UpsertUsers(ctx context.Context, entries []DirectoryUser) error {
	if len(entries) == 0 {
		return nil
	}
	stamp := s.now().UTC().UnixMilli()
	records := make([]DirectoryUser, 0, len(entries))
	for _, entry := range entries {
		record := DirectoryUser{
			UserID:      normalize(entry.UserID),
			Username:    normalize(entry.Username),
			Name:        normalize(entry.Name),
			UpdatedAtMs: stamp,
		}
		record.UsernameFolded = foldUsername(record.Username)
		if record.UserID == "" || record.Username == "" {
			return ErrInvalidUser
		}
		records = append(records, record)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "username_folded", "name", "updated_at_ms"}),
		}).
		Create(&records).
		Error
	if err != nil {
		return err
	}
	for _, record := range records {
		s.cache.Store(record.UsernameFolded, record)
	}
	return nil
}

// FindUsers returns users whose username contains fragment, ignoring case.
// An empty fragment matches every user.
func (s *Service) FindUsers(ctx context.Context, fragment string, limit int) ([]DirectoryUser, error) {
	query := s.db.WithContext(ctx).Model(&DirectoryUser{})
	if fragment = normalize(fragment); fragment != "" {
		pattern := "%" + likeEscaper.Replace(foldUsername(fragment)) + "%"
		query = query.Where(`username_folded LIKE ? ESCAPE '\'`, pattern)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []DirectoryUser
	if err := query.Order("username ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// LookupUsername resolves an exact username, case-insensitively.
func (s *Service) LookupUsername(ctx context.Context, username string) (DirectoryUser, bool, error) {
	key := foldUsername(username)
	if key == "" {
		return DirectoryUser{}, false, nil
	}
	if cached, ok := s.cache.Load(key); ok {
		if record, ok := cached.(DirectoryUser); ok {
			return record, true, nil
		}
	}

	var record DirectoryUser
	err := s.db.WithContext(ctx).Where("username_folded = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DirectoryUser{}, false, nil
	}
	if err != nil {
		return DirectoryUser{}, false, err
	}
	s.cache.Store(key, record)
	return record, true, nil
}
