package mentions

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/roomsync/internal/remote"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/store"
	"github.com/MarcoPoloResearchLab/roomsync/internal/users"
	"go.uber.org/zap"
)

const (
	// UserRemoteThreshold is the local match count above which user
	// searches skip the remote lookup.
	UserRemoteThreshold = 7
	// RoomRemoteThreshold is the local match count above which room
	// searches skip the remote lookup.
	RoomRemoteThreshold = 3
	// EmojiLimit caps each emoji source.
	EmojiLimit = 4

	mentionAll  = "all"
	mentionHere = "here"
)

var (
	// ErrSuperseded is returned by a search replaced by a newer one.
	ErrSuperseded = errors.New("mentions: search superseded")

	errMissingDirectory     = errors.New("mentions: user directory is required")
	errMissingSubscriptions = errors.New("mentions: subscription finder is required")
)

// Directory is the local user directory.
type Directory interface {
	FindUsers(ctx context.Context, fragment string, limit int) ([]users.DirectoryUser, error)
	UpsertUsers(ctx context.Context, entries []users.DirectoryUser) error
}

// SubscriptionFinder queries the local subscription records.
type SubscriptionFinder interface {
	FindSubscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]rooms.Subscription, error)
}

// Spotlighter runs remote user and room searches.
type Spotlighter interface {
	Spotlight(ctx context.Context, keyword string, exclude []string, kind remote.SpotlightKind) (remote.SpotlightResult, error)
}

// Config describes the searcher's sources.
type Config struct {
	Directory     Directory
	Subscriptions SubscriptionFinder
	Spotlight     Spotlighter
	Emojis        []string
	CustomEmojis  []string
	Cache         *Cache
	Logger        *zap.Logger
}

// Searcher produces completion candidates for the trigger being typed.
// Starting a search cancels the one before it.
type Searcher struct {
	directory     Directory
	subscriptions SubscriptionFinder
	spotlight     Spotlighter
	emojis        []string
	customEmojis  []string
	cache         *Cache
	logger        *zap.Logger

	mu      sync.Mutex
	serial  uint64
	cancel  context.CancelFunc
	tracked Kind
}

// NewSearcher validates the sources. A nil Spotlight keeps searches local.
func NewSearcher(cfg Config) (*Searcher, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Subscriptions == nil {
		return nil, errMissingSubscriptions
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		directory:     cfg.Directory,
		subscriptions: cfg.Subscriptions,
		spotlight:     cfg.Spotlight,
		emojis:        append([]string(nil), cfg.Emojis...),
		customEmojis:  append([]string(nil), cfg.CustomEmojis...),
		cache:         cache,
		logger:        logger,
	}, nil
}

// Search returns the candidates for trigger.
func (s *Searcher) Search(ctx context.Context, trigger Trigger) ([]Target, error) {
	searchCtx, release := s.begin(ctx, trigger.Kind)
	defer release()

	switch trigger.Kind {
	case KindUser:
		return s.searchUsers(searchCtx, trigger.Keyword)
	case KindRoom:
		return s.searchRooms(searchCtx, trigger.Keyword)
	case KindEmoji:
		return s.searchEmojis(trigger.Keyword), nil
	default:
		return nil, nil
	}
}

// Stop cancels any search in flight and forgets the tracked kind.
func (s *Searcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.serial++
	s.tracked = ""
	s.cache.Invalidate()
}

func (s *Searcher) begin(parent context.Context, kind Kind) (context.Context, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.tracked != kind {
		s.cache.Invalidate()
		s.tracked = kind
	}
	s.serial++
	serial := s.serial
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	return ctx, func() {
		cancel()
		s.mu.Lock()
		if s.serial == serial {
			s.cancel = nil
		}
		s.mu.Unlock()
	}
}

func (s *Searcher) searchUsers(ctx context.Context, keyword string) ([]Target, error) {
	targets, err := s.localUsers(ctx, keyword)
	if err != nil {
		return nil, err
	}
	if s.spotlight == nil || (keyword != "" && len(targets) > UserRemoteThreshold) {
		return targets, nil
	}

	exclude := make([]string, 0, len(targets))
	for _, target := range targets {
		exclude = append(exclude, target.Label())
	}
	result, err := s.spotlight.Spotlight(ctx, keyword, exclude, remote.SpotlightUsers)
	if ctx.Err() != nil {
		return nil, ErrSuperseded
	}
	if err != nil {
		s.logger.Warn("mention search fell back to local results",
			zap.String("operation", "mentions.search_users"),
			zap.String("reason", "spotlight_failed"),
			zap.Error(err))
		return targets, nil
	}
	if len(result.Users) > 0 {
		entries := make([]users.DirectoryUser, 0, len(result.Users))
		for _, found := range result.Users {
			if found.ID == "" || found.Username == "" {
				continue
			}
			entries = append(entries, users.DirectoryUser{UserID: found.ID, Username: found.Username, Name: found.Name})
		}
		if err := s.directory.UpsertUsers(ctx, entries); err != nil {
			s.logger.Warn("mention search results not cached",
				zap.String("operation", "mentions.search_users"),
				zap.String("reason", "upsert_failed"),
				zap.Error(err))
		}
	}
	return s.localUsers(ctx, keyword)
}

func (s *Searcher) localUsers(ctx context.Context, keyword string) ([]Target, error) {
	found, err := s.directory.FindUsers(ctx, keyword, 0)
	if err != nil {
		return nil, err
	}
	targets := fixedMentions(keyword)
	for _, user := range found {
		targets = append(targets, UserTarget{ID: user.UserID, Username: user.Username})
	}
	return targets, nil
}

// fixedMentions returns the broadcast mentions whose name contains keyword,
// "here" ahead of "all".
func fixedMentions(keyword string) []Target {
	needle := strings.ToLower(keyword)
	targets := make([]Target, 0, 2)
	if strings.Contains(mentionHere, needle) {
		targets = append(targets, UserTarget{ID: mentionHere, Username: mentionHere})
	}
	if strings.Contains(mentionAll, needle) {
		targets = append(targets, UserTarget{ID: mentionAll, Username: mentionAll})
	}
	return targets
}

func (s *Searcher) searchRooms(ctx context.Context, keyword string) ([]Target, error) {
	subscriptions, err := s.subscriptions.FindSubscriptions(ctx, store.SubscriptionFilter{
		ExcludeType:  rooms.RoomTypeDirect,
		NameContains: keyword,
	})
	if err != nil {
		return nil, err
	}
	local := make([]RoomTarget, 0, len(subscriptions))
	seen := make(map[string]struct{}, len(subscriptions))
	for _, record := range subscriptions {
		local = append(local, RoomTarget{ID: record.RoomID, Name: record.Name})
		seen[record.RoomID] = struct{}{}
	}
	for _, cached := range s.cache.Match(keyword) {
		if _, ok := seen[cached.ID]; ok {
			continue
		}
		seen[cached.ID] = struct{}{}
		local = append(local, cached)
	}
	if len(local) > RoomRemoteThreshold || s.spotlight == nil {
		return roomTargets(local), nil
	}

	exclude := make([]string, 0, len(local))
	for _, room := range local {
		exclude = append(exclude, room.Name)
	}
	result, err := s.spotlight.Spotlight(ctx, keyword, exclude, remote.SpotlightRooms)
	if ctx.Err() != nil {
		return nil, ErrSuperseded
	}
	if err != nil {
		s.logger.Warn("mention search fell back to local results",
			zap.String("operation", "mentions.search_rooms"),
			zap.String("reason", "spotlight_failed"),
			zap.Error(err))
		return roomTargets(local), nil
	}
	found := make([]RoomTarget, 0, len(result.Rooms))
	for _, room := range result.Rooms {
		if room.ID == "" {
			continue
		}
		found = append(found, RoomTarget{ID: room.ID, Name: room.Name})
	}
	s.cache.Merge(found)
	for _, room := range found {
		if _, ok := seen[room.ID]; ok {
			continue
		}
		seen[room.ID] = struct{}{}
		local = append(local, room)
	}
	return roomTargets(local), nil
}

func roomTargets(list []RoomTarget) []Target {
	targets := make([]Target, 0, len(list))
	for _, room := range list {
		targets = append(targets, room)
	}
	return targets
}

func (s *Searcher) searchEmojis(keyword string) []Target {
	if keyword == "" {
		return nil
	}
	targets := matchEmojis(s.customEmojis, keyword)
	return append(targets, matchEmojis(s.emojis, keyword)...)
}

func matchEmojis(names []string, keyword string) []Target {
	needle := strings.ToLower(keyword)
	targets := make([]Target, 0, EmojiLimit)
	for _, name := range names {
		if len(targets) == EmojiLimit {
			break
		}
		if strings.Contains(strings.ToLower(name), needle) {
			targets = append(targets, EmojiTarget{Name: name})
		}
	}
	return targets
}
