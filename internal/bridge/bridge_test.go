package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type subscribeCall struct {
	name   string
	params []any
}

type fakeTransport struct {
	subscriptions []subscribeCall
	handlers      map[string][]func(json.RawMessage)
	subscribeErr  error
}

func (f *fakeTransport) Subscribe(_ context.Context, name string, params ...any) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscriptions = append(f.subscriptions, subscribeCall{name: name, params: params})
	return nil
}

func (f *fakeTransport) On(event string, handler func(json.RawMessage)) {
	if f.handlers == nil {
		f.handlers = make(map[string][]func(json.RawMessage))
	}
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeTransport) deliver(raw string) {
	for _, handler := range f.handlers[StreamNotifyUser] {
		handler(json.RawMessage(raw))
	}
}

func changedMessage(eventName, eventType, payload string) string {
	return fmt.Sprintf(`{"msg":"changed","collection":"stream-notify-user","id":"id","fields":{"eventName":%q,"args":[%q,%s]}}`,
		eventName, eventType, payload)
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bridge.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Subscription{}, &rooms.Room{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	localStore, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return localStore
}

func newStartedBridge(t *testing.T, pipeline Pipeline, logger *zap.Logger) (*Bridge, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	bridge, err := New(Config{Transport: transport, Pipeline: pipeline, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}
	if err := bridge.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}
	return bridge, transport
}

func TestStartSubscribesToUserFeeds(t *testing.T) {
	localStore := newSQLiteStore(t)
	service, err := rooms.NewService(rooms.ServiceConfig{Store: localStore})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	bridge, transport := newStartedBridge(t, service, nil)

	if len(transport.subscriptions) != 2 {
		t.Fatalf("expected two subscriptions, got %d", len(transport.subscriptions))
	}
	expectedTopics := []string{"u1/subscriptions-changed", "u1/rooms-changed"}
	for index, call := range transport.subscriptions {
		if call.name != StreamNotifyUser {
			t.Fatalf("unexpected stream %q", call.name)
		}
		if len(call.params) != 2 || call.params[0] != expectedTopics[index] || call.params[1] != false {
			t.Fatalf("unexpected params %v", call.params)
		}
	}

	if err := bridge.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if len(transport.handlers[StreamNotifyUser]) != 1 {
		t.Fatalf("expected the handler to be registered once, got %d", len(transport.handlers[StreamNotifyUser]))
	}
}

func TestStartValidatesUserID(t *testing.T) {
	transport := &fakeTransport{}
	bridge, err := New(Config{Transport: transport, Pipeline: &failingPipeline{}})
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}
	if err := bridge.Start(context.Background(), "  "); !errors.Is(err, errMissingUserID) {
		t.Fatalf("expected missing user id error, got %v", err)
	}

	transport.subscribeErr = errors.New("not connected")
	if err := bridge.Start(context.Background(), "u1"); err == nil {
		t.Fatalf("expected subscribe error to surface")
	}
}

func TestRoomEventsPopulateEmptyStore(t *testing.T) {
	localStore := newSQLiteStore(t)
	service, err := rooms.NewService(rooms.ServiceConfig{Store: localStore})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	bridge, transport := newStartedBridge(t, service, nil)

	transport.deliver(changedMessage("u1/rooms-changed", "updated", `{"_id":"r1","name":"general"}`))

	records, err := localStore.FindSubscriptions(context.Background(), store.SubscriptionFilter{RoomID: "r1"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 1 || records[0].Name != "general" || records[0].Unread != 0 {
		t.Fatalf("unexpected record after first event: %+v", records)
	}

	transport.deliver(changedMessage("u1/rooms-changed", "updated", `{"_id":"r1","topic":"welcome"}`))

	records, err = localStore.FindSubscriptions(context.Background(), store.SubscriptionFilter{RoomID: "r1"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].Name != "general" || records[0].Topic != "welcome" {
		t.Fatalf("expected name preserved and topic added, got %+v", records[0])
	}
	if stats := bridge.Stats(); stats.Received != 2 || stats.Applied != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSubscriptionEventsApplyRegardlessOfType(t *testing.T) {
	localStore := newSQLiteStore(t)
	service, err := rooms.NewService(rooms.ServiceConfig{Store: localStore})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	_, transport := newStartedBridge(t, service, nil)

	transport.deliver(changedMessage("u1/subscriptions-changed", "inserted", `{"_id":"s1","rid":"r1","name":"general","unread":2}`))
	transport.deliver(changedMessage("u1/subscriptions-changed", "updated", `{"_id":"s1","rid":"r1","unread":5}`))

	records, err := localStore.FindSubscriptions(context.Background(), store.SubscriptionFilter{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 1 || records[0].Unread != 5 || records[0].Name != "general" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestBadEventsAreLoggedAndDoNotStopLaterEvents(t *testing.T) {
	localStore := newSQLiteStore(t)
	service, err := rooms.NewService(rooms.ServiceConfig{Store: localStore})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	bridge, transport := newStartedBridge(t, service, zap.New(core))

	transport.deliver(`{"msg":"changed","fields":{}}`)
	transport.deliver(changedMessage("u1/subscriptions-changed", "updated", `{"rid":"r1"}`))
	transport.deliver(changedMessage("u1/rooms-changed", "updated", `"not an object"`))
	transport.deliver(changedMessage("u1/rooms-changed", "removed", `{"_id":"r9"}`))
	transport.deliver(changedMessage("u2/rooms-changed", "updated", `{"_id":"r8","name":"other"}`))
	transport.deliver(changedMessage("u1/rooms-changed", "updated", `{"_id":"r1","name":"general"}`))

	records, err := localStore.FindSubscriptions(context.Background(), store.SubscriptionFilter{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(records) != 1 || records[0].RoomID != "r1" {
		t.Fatalf("expected only the valid event to be stored, got %+v", records)
	}

	stats := bridge.Stats()
	if stats.Received != 6 || stats.Failed != 3 || stats.Ignored != 2 || stats.Applied != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if logs.FilterMessage("bridge event skipped").Len() != 3 {
		t.Fatalf("expected three skip logs, got %d", logs.FilterMessage("bridge event skipped").Len())
	}
}

type failingPipeline struct {
	err error
}

func (f *failingPipeline) ApplySubscription(context.Context, []byte) (rooms.ApplyResult, error) {
	return rooms.ApplyResult{}, f.err
}

func (f *failingPipeline) ApplyRoom(context.Context, []byte) (rooms.ApplyResult, error) {
	return rooms.ApplyResult{}, f.err
}

func TestStoreFailuresAreLoggedAsErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	pipeline := &failingPipeline{err: errors.New("database is locked")}
	bridge, transport := newStartedBridge(t, pipeline, zap.New(core))

	transport.deliver(changedMessage("u1/subscriptions-changed", "updated", `{"_id":"s1","rid":"r1"}`))
	transport.deliver(changedMessage("u1/rooms-changed", "updated", `{"_id":"r1"}`))

	if logs.FilterMessage("bridge event failed").Len() != 2 {
		t.Fatalf("expected two error logs, got %d", logs.Len())
	}
	if bridge.Stats().Failed != 2 {
		t.Fatalf("expected two failures, got %+v", bridge.Stats())
	}
}
