package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is the delay between a disconnect (or a finished
	// attempt) and the next reconciliation fetch.
	DefaultInterval = 5 * time.Second
	// DefaultFetchTimeout bounds a single fetch.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultCheckpointName keys the persisted watermark.
	DefaultCheckpointName = "rooms"
)

var (
	errMissingFetcher = errors.New("fetcher is required")
	errMissingApplier = errors.New("applier is required")
)

const (
	opLoopNew     = "reconcile.loop.new"
	opRestore     = "reconcile.restore"
	opFetch       = "reconcile.fetch"
	opApply       = "reconcile.apply"
	opCheckpoint  = "reconcile.checkpoint"
	reasonMissing = "missing_dependency"
)

// State is the position of the loop's timer state machine.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

// Fetcher asks the remote source for everything changed since a point in time.
type Fetcher interface {
	FetchRoomsSince(ctx context.Context, since time.Time) (rooms.ChangeSet, error)
}

// Applier persists a fetched change set.
type Applier interface {
	ApplyChangeSet(ctx context.Context, set rooms.ChangeSet) (rooms.ApplyResult, error)
}

// CheckpointStore persists the reconciliation watermark across restarts.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, name string) (time.Time, bool, error)
	SaveCheckpoint(ctx context.Context, name string, since time.Time) error
}

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot callbacks.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// Config describes the dependencies and tuning of the loop.
type Config struct {
	Fetcher        Fetcher
	Applier        Applier
	Checkpoints    CheckpointStore
	CheckpointName string
	Interval       time.Duration
	FetchTimeout   time.Duration
	Scheduler      Scheduler
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Status is a point-in-time snapshot of the loop.
type Status struct {
	State               State     `json:"state"`
	Halted              bool      `json:"halted"`
	Checkpoint          time.Time `json:"checkpoint"`
	Epoch               uint64    `json:"epoch"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	Interval            string    `json:"interval"`
}

// Loop pulls the remote rooms state on a timer while the push channel is
// down. The checkpoint only advances after a fetch was applied; failed
// attempts retry with the same checkpoint.
type Loop struct {
	fetcher        Fetcher
	applier        Applier
	checkpoints    CheckpointStore
	checkpointName string
	interval       time.Duration
	fetchTimeout   time.Duration
	scheduler      Scheduler
	clock          func() time.Time
	logger         *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       State
	inFlight    bool
	halted      bool
	closed      bool
	epoch       uint64
	since       time.Time
	hasSince    bool
	timer       Timer
	timerSerial uint64
	failures    int
	lastErr     error
	lastSuccess time.Time
}

// NewLoop constructs an idle loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%s.%s: %w", opLoopNew, reasonMissing, errMissingFetcher)
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("%s.%s: %w", opLoopNew, reasonMissing, errMissingApplier)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	name := cfg.CheckpointName
	if name == "" {
		name = DefaultCheckpointName
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = wallScheduler{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Loop{
		fetcher:        cfg.Fetcher,
		applier:        cfg.Applier,
		checkpoints:    cfg.Checkpoints,
		checkpointName: name,
		interval:       interval,
		fetchTimeout:   fetchTimeout,
		scheduler:      scheduler,
		clock:          clock,
		logger:         logger,
		baseCtx:        baseCtx,
		cancel:         cancel,
		state:          StateIdle,
	}, nil
}

// Restore loads the persisted checkpoint, if any, as the starting watermark.
func (l *Loop) Restore(ctx context.Context) error {
	if l.checkpoints == nil {
		return nil
	}
	since, ok, err := l.checkpoints.LoadCheckpoint(ctx, l.checkpointName)
	if err != nil {
		l.logger.Warn("reconcile checkpoint unavailable",
			zap.String("operation", opRestore),
			zap.String("reason", "load_failed"),
			zap.Error(err))
		return err
	}
	if !ok {
		return nil
	}
	l.mu.Lock()
	l.since = since
	l.hasSince = true
	l.mu.Unlock()
	l.logger.Info("reconcile checkpoint restored", zap.Time("since", since))
	return nil
}

// Disconnected arms the timer when the loop is idle or stopped. It does
// nothing while a reconciliation is already scheduled or running, after
// logout, or after Close. At most one fetch is in flight: if an attempt
// from before the last login is still running, the timer is armed when it
// returns.
func (l *Loop) Disconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.halted {
		l.logger.Debug("reconcile disconnect ignored", zap.Bool("halted", l.halted), zap.Bool("closed", l.closed))
		return
	}
	if l.state != StateIdle && l.state != StateStopped {
		return
	}
	if !l.hasSince {
		l.since = l.clock()
		l.hasSince = true
	}
	if l.inFlight {
		// The attempt still in flight re-arms the timer when it returns.
		l.state = StateRunning
		l.logger.Info("reconcile deferred", zap.String("reason", "fetch_in_flight"))
		return
	}
	l.armLocked()
	l.logger.Info("reconcile scheduled",
		zap.Duration("delay", l.interval),
		zap.Time("since", l.since))
}

// LoggedIn cancels any pending reconciliation: the push channel is live again.
func (l *Loop) LoggedIn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimerLocked()
	l.epoch++
	l.halted = false
	l.state = StateStopped
	l.logger.Info("reconcile stopped", zap.String("signal", "logged"), zap.Uint64("epoch", l.epoch))
}

// LoggedOut cancels any pending reconciliation and halts the loop until the
// next LoggedIn. A fetch already in flight finishes but is not applied.
func (l *Loop) LoggedOut() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimerLocked()
	l.epoch++
	l.halted = true
	l.state = StateStopped
	l.logger.Info("reconcile halted", zap.String("signal", "logout"), zap.Uint64("epoch", l.epoch))
}

// Close stops the timer and cancels any fetch in flight.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.stopTimerLocked()
	l.epoch++
	l.state = StateStopped
	l.mu.Unlock()
	l.cancel()
}

// Status returns a snapshot of the loop.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := Status{
		State:               l.state,
		Halted:              l.halted,
		Epoch:               l.epoch,
		ConsecutiveFailures: l.failures,
		LastSuccessAt:       l.lastSuccess,
		Interval:            l.interval.String(),
	}
	if l.hasSince {
		status.Checkpoint = l.since
	}
	if l.lastErr != nil {
		status.LastError = l.lastErr.Error()
	}
	return status
}

func (l *Loop) armLocked() {
	l.timerSerial++
	serial := l.timerSerial
	l.timer = l.scheduler.AfterFunc(l.interval, func() {
		l.fire(serial)
	})
	l.state = StateScheduled
}

func (l *Loop) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerSerial++
}

func (l *Loop) fire(serial uint64) {
	l.mu.Lock()
	if serial != l.timerSerial || l.state != StateScheduled || l.inFlight {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.state = StateRunning
	l.inFlight = true
	epoch := l.epoch
	since := l.since
	l.mu.Unlock()

	l.run(epoch, since)
}

func (l *Loop) run(epoch uint64, since time.Time) {
	startedAt := l.clock()
	fetchCtx, cancel := context.WithTimeout(l.baseCtx, l.fetchTimeout)
	set, err := l.fetcher.FetchRoomsSince(fetchCtx, since)
	cancel()
	if err != nil {
		l.logFailure(opFetch, "fetch_failed", err, since)
		l.finish(epoch, startedAt, err)
		return
	}

	if l.isStale(epoch) {
		l.logger.Debug("reconcile result discarded",
			zap.String("operation", opApply),
			zap.String("reason", "stale_epoch"),
			zap.Uint64("epoch", epoch))
		l.finish(epoch, startedAt, nil)
		return
	}

	result, err := l.applier.ApplyChangeSet(l.baseCtx, set)
	if err != nil {
		l.logFailure(opApply, "apply_failed", err, since)
		l.finish(epoch, startedAt, err)
		return
	}
	l.logger.Info("reconcile applied",
		zap.Time("since", since),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("removed", result.Removed))

	if l.checkpoints != nil {
		if err := l.checkpoints.SaveCheckpoint(l.baseCtx, l.checkpointName, startedAt); err != nil {
			l.logger.Warn("reconcile checkpoint not persisted",
				zap.String("operation", opCheckpoint),
				zap.String("reason", "save_failed"),
				zap.Error(err))
		}
	}
	l.finish(epoch, startedAt, nil)
}

func (l *Loop) isStale(epoch uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return epoch != l.epoch
}

// finish releases the in-flight slot and re-arms the timer while the loop is
// active. The outcome is only recorded when no lifecycle signal moved the
// loop on while the attempt was in flight.
func (l *Loop) finish(epoch uint64, startedAt time.Time, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight = false
	switch {
	case epoch != l.epoch:
	case err != nil:
		l.failures++
		l.lastErr = err
	default:
		l.since = startedAt
		l.hasSince = true
		l.failures = 0
		l.lastErr = nil
		l.lastSuccess = startedAt
	}
	if l.state != StateRunning || l.closed || l.halted {
		return
	}
	l.armLocked()
}

func (l *Loop) logFailure(operation, reason string, err error, since time.Time) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Time("since", since),
		zap.Error(err),
	}
	var transportErr *rooms.TransportError
	if errors.As(err, &transportErr) {
		fields = append(fields, zap.String("remote_operation", transportErr.Operation))
	}
	l.logger.Warn("reconcile attempt failed", fields...)
}
