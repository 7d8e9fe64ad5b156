package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// StreamNotifyUser is the per-user notification stream.
	StreamNotifyUser = "stream-notify-user"

	topicSubscriptionsChanged = "subscriptions-changed"
	topicRoomsChanged         = "rooms-changed"
	roomEventUpdated          = "updated"
)

var (
	errMissingTransport = errors.New("transport is required")
	errMissingPipeline  = errors.New("pipeline is required")
	errMissingUserID    = errors.New("user id is required")
	errMalformedEvent   = errors.New("event is missing fields.eventName or fields.args")
)

// Transport is the subset of the realtime client the bridge needs.
type Transport interface {
	Subscribe(ctx context.Context, name string, params ...any) error
	On(event string, handler func(json.RawMessage))
}

// Pipeline merges decoded records into the local store.
type Pipeline interface {
	ApplySubscription(ctx context.Context, raw []byte) (rooms.ApplyResult, error)
	ApplyRoom(ctx context.Context, raw []byte) (rooms.ApplyResult, error)
}

// Config describes the dependencies of the bridge.
type Config struct {
	Transport Transport
	Pipeline  Pipeline
	Logger    *zap.Logger
}

// Stats counts events seen by the bridge since it started.
type Stats struct {
	Received int64 `json:"received"`
	Applied  int64 `json:"applied"`
	Ignored  int64 `json:"ignored"`
	Failed   int64 `json:"failed"`
}

// Bridge routes push notifications about the signed-in user's subscriptions
// and rooms into the merge pipeline.
type Bridge struct {
	transport Transport
	pipeline  Pipeline
	logger    *zap.Logger

	register sync.Once
	mu       sync.RWMutex
	ctx      context.Context
	userID   string

	received atomic.Int64
	applied  atomic.Int64
	ignored  atomic.Int64
	failed   atomic.Int64
}

// New constructs a bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Pipeline == nil {
		return nil, errMissingPipeline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		transport: cfg.Transport,
		pipeline:  cfg.Pipeline,
		logger:    logger,
		ctx:       context.Background(),
	}, nil
}

// Start subscribes to the user's subscription and room change feeds.
// Handlers run on the transport's read goroutine and use ctx for store writes.
func (b *Bridge) Start(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errMissingUserID
	}
	b.mu.Lock()
	b.ctx = ctx
	b.userID = userID
	b.mu.Unlock()

	b.register.Do(func() {
		b.transport.On(StreamNotifyUser, b.handle)
	})

	for _, topic := range []string{topicSubscriptionsChanged, topicRoomsChanged} {
		subTopic := userID + "/" + topic
		if err := b.transport.Subscribe(ctx, StreamNotifyUser, subTopic, false); err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", subTopic, err)
		}
		b.logger.Info("bridge subscribed", zap.String("stream", StreamNotifyUser), zap.String("topic", subTopic))
	}
	return nil
}

// Stats returns the event counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received: b.received.Load(),
		Applied:  b.applied.Load(),
		Ignored:  b.ignored.Load(),
		Failed:   b.failed.Load(),
	}
}

func (b *Bridge) handle(raw json.RawMessage) {
	b.received.Add(1)
	b.mu.RLock()
	ctx := b.ctx
	userID := b.userID
	b.mu.RUnlock()

	envelope := gjson.ParseBytes(raw)
	eventName := envelope.Get("fields.eventName")
	args := envelope.Get("fields.args")
	if eventName.Type != gjson.String || !args.IsArray() {
		b.failed.Add(1)
		b.logger.Warn("bridge event skipped",
			zap.String("operation", "bridge.decode"),
			zap.String("reason", "malformed_envelope"),
			zap.Error(&rooms.DecodeError{Source: "event", Err: errMalformedEvent}))
		return
	}

	owner, topic, found := strings.Cut(eventName.String(), "/")
	if !found || (userID != "" && owner != userID) {
		b.ignored.Add(1)
		b.logger.Debug("bridge event ignored", zap.String("event", eventName.String()))
		return
	}
	eventType := args.Get("0").String()
	payload := []byte(args.Get("1").Raw)

	var err error
	switch {
	case strings.Contains(topic, "subscriptions"):
		_, err = b.pipeline.ApplySubscription(ctx, payload)
	case strings.Contains(topic, "rooms"):
		if eventType != roomEventUpdated {
			b.ignored.Add(1)
			b.logger.Debug("bridge room event ignored", zap.String("type", eventType))
			return
		}
		_, err = b.pipeline.ApplyRoom(ctx, payload)
	default:
		b.ignored.Add(1)
		b.logger.Debug("bridge event ignored", zap.String("event", eventName.String()))
		return
	}

	if err != nil {
		b.failed.Add(1)
		fields := []zap.Field{
			zap.String("operation", "bridge.apply"),
			zap.String("event", eventName.String()),
			zap.String("type", eventType),
			zap.Error(err),
		}
		if rooms.IsRecordError(err) {
			b.logger.Warn("bridge event skipped", append(fields, zap.String("reason", "malformed_record"))...)
			return
		}
		b.logger.Error("bridge event failed", append(fields, zap.String("reason", "store_failed"))...)
		return
	}
	b.applied.Add(1)
}
