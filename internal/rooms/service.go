package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "rooms.service.new"
	opApplySubscription = "rooms.apply_subscription"
	opApplyRoom         = "rooms.apply_room"
	opApplyChangeSet    = "rooms.apply_change_set"
	reasonMissingStore  = "missing_store"
	reasonLookupFailed  = "lookup_failed"
	reasonUpsertFailed  = "upsert_failed"
	reasonRecordSkipped = "record_skipped"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Tx is the set of store operations available inside one write transaction.
// Lookups return (nil, nil) when no record matches.
type Tx interface {
	SubscriptionByRoomID(roomID string) (*Subscription, error)
	SubscriptionByID(subscriptionID string) (*Subscription, error)
	RoomByID(roomID string) (*Room, error)
	UpsertSubscription(record Subscription, updateIfExists bool) error
	UpsertRoom(record Room, updateIfExists bool) error
}

// Store runs fn inside an all-or-nothing transaction.
type Store interface {
	WriteTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Change describes records that were persisted by one pipeline call.
type Change struct {
	Kind    RecordKind
	RoomIDs []string
	At      time.Time
}

// Notifier is told about every committed change.
type Notifier interface {
	Publish(change Change)
}

// ServiceConfig describes the dependencies of the merge pipeline.
type ServiceConfig struct {
	Store    Store
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the consumer pipeline shared by the push path and the polling
// path: decode, merge against the stored record, persist.
type Service struct {
	store    Store
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// ApplyResult summarizes one pipeline call.
type ApplyResult struct {
	Applied int
	Skipped int
	Removed int
	RoomIDs []string
}

// NewService constructs the pipeline.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ApplySubscription merges one subscription payload into the store.
// Decode and identity failures are returned unwrapped so callers can skip the record.
func (s *Service) ApplySubscription(ctx context.Context, raw []byte) (ApplyResult, error) {
	if s == nil || s.store == nil {
		return ApplyResult{}, newServiceError(opApplySubscription, reasonMissingStore, errMissingStore)
	}
	var roomID string
	err := s.store.WriteTransaction(ctx, func(tx Tx) error {
		var applyErr error
		roomID, applyErr = applySubscription(tx, raw)
		return applyErr
	})
	if err != nil {
		return ApplyResult{}, err
	}
	s.publish(KindSubscription, []string{roomID})
	return ApplyResult{Applied: 1, RoomIDs: []string{roomID}}, nil
}

// ApplyRoom merges one room payload into the room cache and into the
// subscription for that room.
func (s *Service) ApplyRoom(ctx context.Context, raw []byte) (ApplyResult, error) {
	if s == nil || s.store == nil {
		return ApplyResult{}, newServiceError(opApplyRoom, reasonMissingStore, errMissingStore)
	}
	var roomID string
	err := s.store.WriteTransaction(ctx, func(tx Tx) error {
		var applyErr error
		roomID, applyErr = applyRoom(tx, raw)
		return applyErr
	})
	if err != nil {
		return ApplyResult{}, err
	}
	s.publish(KindRoom, []string{roomID})
	return ApplyResult{Applied: 1, RoomIDs: []string{roomID}}, nil
}

// ApplyChangeSet persists a reconciliation window in a single transaction.
// Individual malformed records are skipped and logged; any store failure
// rolls the whole window back.
func (s *Service) ApplyChangeSet(ctx context.Context, set ChangeSet) (ApplyResult, error) {
	if s == nil || s.store == nil {
		return ApplyResult{}, newServiceError(opApplyChangeSet, reasonMissingStore, errMissingStore)
	}
	result := ApplyResult{Removed: len(set.RemovedSubscriptions) + len(set.RemovedRooms)}
	seen := make(map[string]struct{})
	err := s.store.WriteTransaction(ctx, func(tx Tx) error {
		result.Applied = 0
		result.Skipped = 0
		result.RoomIDs = result.RoomIDs[:0]
		clear(seen)
		record := func(roomID string) {
			result.Applied++
			if _, ok := seen[roomID]; ok {
				return
			}
			seen[roomID] = struct{}{}
			result.RoomIDs = append(result.RoomIDs, roomID)
		}
		for _, raw := range set.Subscriptions {
			roomID, err := applySubscription(tx, raw)
			if err != nil {
				if IsRecordError(err) {
					result.Skipped++
					s.logWarn(opApplyChangeSet, reasonRecordSkipped, err, zap.String("kind", string(KindSubscription)))
					continue
				}
				return err
			}
			record(roomID)
		}
		for _, raw := range set.Rooms {
			roomID, err := applyRoom(tx, raw)
			if err != nil {
				if IsRecordError(err) {
					result.Skipped++
					s.logWarn(opApplyChangeSet, reasonRecordSkipped, err, zap.String("kind", string(KindRoom)))
					continue
				}
				return err
			}
			record(roomID)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if len(result.RoomIDs) > 0 {
		s.publish(KindSubscription, result.RoomIDs)
	}
	return result, nil
}

func applySubscription(tx Tx, raw []byte) (string, error) {
	delta, err := DecodeSubscriptionDelta(raw)
	if err != nil {
		return "", err
	}
	existing, err := lookupSubscription(tx, delta)
	if err != nil {
		return "", newServiceError(opApplySubscription, reasonLookupFailed, err)
	}
	merged, err := MergeSubscription(existing, delta)
	if err != nil {
		return "", err
	}
	if err := tx.UpsertSubscription(merged, true); err != nil {
		return "", newServiceError(opApplySubscription, reasonUpsertFailed, err)
	}
	return merged.RoomID, nil
}

// lookupSubscription prefers the room id so that a record created from a room
// event is adopted by the first subscription event for the same room.
func lookupSubscription(tx Tx, delta SubscriptionDelta) (*Subscription, error) {
	if roomID, ok := delta.RoomID.Get(); ok && strings.TrimSpace(roomID) != "" {
		existing, err := tx.SubscriptionByRoomID(roomID)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	if subscriptionID, ok := delta.ID.Get(); ok && strings.TrimSpace(subscriptionID) != "" {
		return tx.SubscriptionByID(subscriptionID)
	}
	return nil, nil
}

func applyRoom(tx Tx, raw []byte) (string, error) {
	delta, err := DecodeRoomDelta(raw)
	if err != nil {
		return "", err
	}
	roomID, ok := delta.ID.Get()
	if !ok || strings.TrimSpace(roomID) == "" {
		return "", &MalformedRecordError{Kind: KindRoom, Field: "_id"}
	}

	cached, err := tx.RoomByID(roomID)
	if err != nil {
		return "", newServiceError(opApplyRoom, reasonLookupFailed, err)
	}
	room, err := MergeRoom(cached, delta)
	if err != nil {
		return "", err
	}
	if err := tx.UpsertRoom(room, true); err != nil {
		return "", newServiceError(opApplyRoom, reasonUpsertFailed, err)
	}

	existing, err := tx.SubscriptionByRoomID(roomID)
	if err != nil {
		return "", newServiceError(opApplyRoom, reasonLookupFailed, err)
	}
	subscription, err := FoldRoom(existing, delta)
	if err != nil {
		return "", err
	}
	if err := tx.UpsertSubscription(subscription, true); err != nil {
		return "", newServiceError(opApplyRoom, reasonUpsertFailed, err)
	}
	return roomID, nil
}

func (s *Service) publish(kind RecordKind, roomIDs []string) {
	if s.notifier == nil || len(roomIDs) == 0 {
		return
	}
	s.notifier.Publish(Change{
		Kind:    kind,
		RoomIDs: append([]string(nil), roomIDs...),
		At:      s.clock().UTC(),
	})
}

func (s *Service) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Warn("rooms pipeline skipped record", attrs...)
}
