package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&rooms.Subscription{}, &rooms.Room{}, &Checkpoint{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := New(Config{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}

func mustService(t *testing.T, store *Store) *rooms.Service {
	t.Helper()
	service, err := rooms.NewService(rooms.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func seedSubscriptions(t *testing.T, store *Store, records ...rooms.Subscription) {
	t.Helper()
	err := store.WriteTransaction(context.Background(), func(tx rooms.Tx) error {
		for _, record := range records {
			if err := tx.UpsertSubscription(record, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed subscriptions: %v", err)
	}
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Config{})
	var storeErr *Error
	if !errors.As(err, &storeErr) || storeErr.Code() != "store.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestUpsertSubscriptionRespectsUpdateFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSubscriptions(t, store, rooms.Subscription{RoomID: "r1", SubscriptionID: "s1", Name: "general", Type: rooms.RoomTypeChannel, Unread: 3})

	err := store.WriteTransaction(ctx, func(tx rooms.Tx) error {
		return tx.UpsertSubscription(rooms.Subscription{RoomID: "r1", SubscriptionID: "s1", Name: "ignored", Type: rooms.RoomTypeChannel}, false)
	})
	if err != nil {
		t.Fatalf("insert-only upsert failed: %v", err)
	}
	records, err := store.FindSubscriptions(ctx, SubscriptionFilter{RoomID: "r1"})
	if err != nil || len(records) != 1 || records[0].Name != "general" {
		t.Fatalf("expected existing record to be kept, got %+v %v", records, err)
	}

	err = store.WriteTransaction(ctx, func(tx rooms.Tx) error {
		return tx.UpsertSubscription(rooms.Subscription{RoomID: "r1", SubscriptionID: "s1", Name: "general", Type: rooms.RoomTypeChannel, Unread: 0}, true)
	})
	if err != nil {
		t.Fatalf("replace upsert failed: %v", err)
	}
	records, err = store.FindSubscriptions(ctx, SubscriptionFilter{RoomID: "r1"})
	if err != nil || len(records) != 1 || records[0].Unread != 0 {
		t.Fatalf("expected zero unread to be written, got %+v %v", records, err)
	}
}

func TestWriteTransactionRollsBackOnError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	failure := errors.New("abort")

	err := store.WriteTransaction(ctx, func(tx rooms.Tx) error {
		if err := tx.UpsertSubscription(rooms.Subscription{RoomID: "r1", Name: "general", Type: rooms.RoomTypeChannel}, true); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected abort error, got %v", err)
	}
	records, err := store.FindSubscriptions(ctx, SubscriptionFilter{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected rollback, got %+v", records)
	}
}

func TestFindSubscriptionsFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSubscriptions(t, store,
		rooms.Subscription{RoomID: "r1", Name: "General", Type: rooms.RoomTypeChannel},
		rooms.Subscription{RoomID: "r2", Name: "general-ops", Type: rooms.RoomTypePrivate},
		rooms.Subscription{RoomID: "r3", Name: "ana", Type: rooms.RoomTypeDirect},
		rooms.Subscription{RoomID: "r4", Name: "100%_done", Type: rooms.RoomTypeChannel},
	)

	cases := []struct {
		name     string
		filter   SubscriptionFilter
		expected []string
	}{
		{name: "case insensitive contains", filter: SubscriptionFilter{NameContains: "GENERAL"}, expected: []string{"r1", "r2"}},
		{name: "type equality", filter: SubscriptionFilter{Type: rooms.RoomTypeDirect}, expected: []string{"r3"}},
		{name: "type exclusion", filter: SubscriptionFilter{ExcludeType: rooms.RoomTypeDirect, NameContains: "a"}, expected: []string{"r1", "r2"}},
		{name: "literal wildcard", filter: SubscriptionFilter{NameContains: "%_"}, expected: []string{"r4"}},
		{name: "room id", filter: SubscriptionFilter{RoomID: "r2"}, expected: []string{"r2"}},
		{name: "limit", filter: SubscriptionFilter{Limit: 1}, expected: []string{"r4"}},
	}
	for _, testCase := range cases {
		records, err := store.FindSubscriptions(ctx, testCase.filter)
		if err != nil {
			t.Fatalf("%s: find failed: %v", testCase.name, err)
		}
		got := make([]string, 0, len(records))
		for _, record := range records {
			got = append(got, record.RoomID)
		}
		if len(got) != len(testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
		for index := range got {
			if got[index] != testCase.expected[index] {
				t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
			}
		}
	}
}

func TestNameFiltersFoldNonASCIICase(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSubscriptions(t, store,
		rooms.Subscription{RoomID: "r1", Name: "Équipe", Type: rooms.RoomTypeChannel},
		rooms.Subscription{RoomID: "r2", Name: "ΑΘΗΝΑ", Type: rooms.RoomTypePrivate},
	)
	err := store.WriteTransaction(ctx, func(tx rooms.Tx) error {
		return tx.UpsertRoom(rooms.Room{RoomID: "r1", Name: "Équipe", Type: rooms.RoomTypeChannel}, true)
	})
	if err != nil {
		t.Fatalf("failed to seed room: %v", err)
	}

	for _, fragment := range []string{"Équipe", "équipe", "ÉQUIPE", "quipe"} {
		records, err := store.FindSubscriptions(ctx, SubscriptionFilter{NameContains: fragment})
		if err != nil {
			t.Fatalf("find %q failed: %v", fragment, err)
		}
		if len(records) != 1 || records[0].RoomID != "r1" {
			t.Fatalf("expected %q to match r1, got %+v", fragment, records)
		}
		cached, err := store.FindRooms(ctx, RoomFilter{NameContains: fragment})
		if err != nil {
			t.Fatalf("find rooms %q failed: %v", fragment, err)
		}
		if len(cached) != 1 || cached[0].RoomID != "r1" {
			t.Fatalf("expected room cache %q to match r1, got %+v", fragment, cached)
		}
	}

	records, err := store.FindSubscriptions(ctx, SubscriptionFilter{NameContains: "αθη"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 1 || records[0].RoomID != "r2" || records[0].Name != "ΑΘΗΝΑ" {
		t.Fatalf("expected greek name to match without changing the stored name, got %+v", records)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LoadCheckpoint(ctx, "rooms")
	if err != nil || ok {
		t.Fatalf("expected no checkpoint, got ok=%v err=%v", ok, err)
	}

	first := time.UnixMilli(1700000000123)
	if err := store.SaveCheckpoint(ctx, "rooms", first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second := first.Add(5 * time.Second)
	if err := store.SaveCheckpoint(ctx, "rooms", second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, ok, err := store.LoadCheckpoint(ctx, "rooms")
	if err != nil || !ok {
		t.Fatalf("expected checkpoint, got ok=%v err=%v", ok, err)
	}
	if !loaded.Equal(second) {
		t.Fatalf("expected %v, got %v", second, loaded)
	}

	if err := store.SaveCheckpoint(ctx, " ", second); err == nil {
		t.Fatalf("expected error for empty checkpoint name")
	}
}

func TestServiceRoundTripThroughSQLite(t *testing.T) {
	store, _ := newTestStore(t)
	service := mustService(t, store)
	ctx := context.Background()

	set := rooms.ChangeSet{
		Subscriptions: []json.RawMessage{
			json.RawMessage(`{"_id":"s1","rid":"r1","name":"general","t":"c","unread":2,"roles":["owner"]}`),
		},
		Rooms: []json.RawMessage{
			json.RawMessage(`{"_id":"r1","name":"general","lastMessage":{"_id":"m1","msg":"hello","u":{"username":"ana"}},"usersCount":4}`),
		},
	}
	if _, err := service.ApplyChangeSet(ctx, set); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := service.ApplySubscription(ctx, []byte(`{"_id":"s1","rid":"r1","unread":0,"roles":null}`)); err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	records, err := store.FindSubscriptions(ctx, SubscriptionFilter{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record.Unread != 0 || record.Roles != nil || record.Name != "general" {
		t.Fatalf("unexpected stored record %+v", record)
	}
	if record.LastMessage == nil || record.LastMessage.Text != "hello" || record.LastMessage.AuthorUsername != "ana" {
		t.Fatalf("unexpected last message %+v", record.LastMessage)
	}

	cached, err := store.FindRooms(ctx, RoomFilter{NameContains: "gen"})
	if err != nil || len(cached) != 1 || cached[0].UsersCount != 4 {
		t.Fatalf("unexpected cached rooms %+v %v", cached, err)
	}
}
