package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Session events emitted through On.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventLogged       = "logged"
	EventLogout       = "logout"
)

const (
	protocolVersion  = "1"
	defaultReadLimit = 16 << 20
	websocketPath    = "/websocket"
)

var (
	// ErrNotConnected is returned by calls made while no connection is open.
	ErrNotConnected = errors.New("ddp: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ddp: client closed")
	// ErrMissingResumeToken is returned by Login without a token.
	ErrMissingResumeToken = errors.New("ddp: resume token is required")
	errConnectFailed      = errors.New("ddp: server rejected protocol version")
	errNoSubscription     = errors.New("ddp: subscription rejected")
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ServerError is an error object returned by the server for a method call or
// subscription.
type ServerError struct {
	Method  string
	Code    string
	Reason  string
	Message string
}

func (e *ServerError) Error() string {
	detail := e.Reason
	if detail == "" {
		detail = e.Message
	}
	if e.Code != "" {
		return fmt.Sprintf("ddp: %s failed: %s [%s]", e.Method, detail, e.Code)
	}
	return fmt.Sprintf("ddp: %s failed: %s", e.Method, detail)
}

// Config configures the client.
type Config struct {
	URL                string
	ResumeToken        string
	CallTimeout        time.Duration
	AutoReconnect      bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of zero retries forever.
	MaxReconnectAttempts int
	Logger               *zap.Logger
}

func (c *Config) defaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type connectFrame struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

type methodFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type subFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

type pongFrame struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	id     string
	key    string
	name   string
	params []any
}

// Client is a DDP client over a WebSocket. Handlers registered with On run
// on the connection's read goroutine and must not block on calls made
// through the same client.
type Client struct {
	url    string
	config Config
	logger *zap.Logger
	recon  *reconnector

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	closed   bool
	session  string
	userID   string
	loggedIn bool
	subs     map[string]*subscription
	subKeys  map[string]string

	pendingMu   sync.Mutex
	pendingCall map[string]chan callResult
	pendingSub  map[string]chan error

	handlersMu sync.RWMutex
	handlers   map[string][]func(json.RawMessage)
}

// NewClient constructs a disconnected client.
func NewClient(cfg Config) (*Client, error) {
	endpoint, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.defaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         endpoint,
		config:      cfg,
		logger:      cfg.Logger,
		recon:       newReconnector(cfg),
		baseCtx:     baseCtx,
		cancel:      cancel,
		state:       StateDisconnected,
		subs:        make(map[string]*subscription),
		subKeys:     make(map[string]string),
		pendingCall: make(map[string]chan callResult),
		pendingSub:  make(map[string]chan error),
		handlers:    make(map[string][]func(json.RawMessage)),
	}, nil
}

func websocketURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("ddp: parse url: %w", err)
	}
	switch parsed.Scheme {
	case "https", "wss":
		parsed.Scheme = "wss"
	case "http", "ws":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("ddp: unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("ddp: url host is required")
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = websocketPath
	}
	return parsed.String(), nil
}

// On registers handler for a session event or a collection name. Collection
// handlers receive the whole "added"/"changed" message.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) emit(event string, payload json.RawMessage) {
	c.handlersMu.RLock()
	handlers := make([]func(json.RawMessage), len(c.handlers[event]))
	copy(handlers, c.handlers[event])
	c.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LoggedIn reports whether the current connection carries a resumed session.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// UserID returns the id reported by the last successful login.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect dials the server, performs the DDP handshake, resumes the session
// when a token is configured and replays known subscriptions.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, session, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return &rooms.TransportError{Operation: "connect", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.session = session
	c.mu.Unlock()
	c.recon.markConnected()

	go c.readLoop(conn)

	c.logger.Info("ddp connected", zap.String("url", c.url), zap.String("session", session))
	connected, _ := json.Marshal(map[string]string{"session": session})
	c.emit(EventConnected, connected)

	if c.config.ResumeToken != "" {
		if _, err := c.Login(ctx); err != nil {
			c.logger.Warn("ddp login failed", zap.String("operation", "ddp.login"), zap.Error(err))
			return err
		}
	}
	c.resubscribe(ctx, conn)
	return nil
}

// ConnectWithRetry connects like Connect. When the first attempt fails and
// AutoReconnect is set, the client reports itself disconnected and keeps
// retrying in the background with the reconnect backoff. The first error is
// returned either way.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	err := c.Connect(ctx)
	if err == nil || errors.Is(err, ErrClosed) || !c.config.AutoReconnect {
		return err
	}
	if c.abandonSession() {
		return err
	}
	reason, _ := json.Marshal(map[string]string{"reason": err.Error()})
	c.emit(EventDisconnected, reason)
	go c.reconnectLoop()
	return err
}

// abandonSession drops a socket whose login failed. The read loop then
// reports the drop and runs the reconnect path.
func (c *Client) abandonSession() bool {
	conn := c.currentConn()
	if conn == nil {
		return false
	}
	c.logger.Warn("ddp session abandoned", zap.String("operation", "ddp.login"), zap.String("reason", "login_failed"))
	go conn.Close(websocket.StatusPolicyViolation, "login failed")
	return true
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)

	if err := wsjson.Write(ctx, conn, connectFrame{Msg: "connect", Version: protocolVersion, Support: []string{protocolVersion}}); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, "", fmt.Errorf("write connect: %w", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			return nil, "", fmt.Errorf("read connect reply: %w", err)
		}
		switch gjson.GetBytes(data, "msg").String() {
		case "connected":
			return conn, gjson.GetBytes(data, "session").String(), nil
		case "failed":
			conn.Close(websocket.StatusNormalClosure, "unsupported version")
			return nil, "", errConnectFailed
		}
	}
}

// Login resumes the session with the configured token and emits "logged".
func (c *Client) Login(ctx context.Context) (json.RawMessage, error) {
	if c.config.ResumeToken == "" {
		return nil, ErrMissingResumeToken
	}
	result, err := c.Call(ctx, "login", map[string]string{"resume": c.config.ResumeToken})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.loggedIn = true
	c.userID = gjson.GetBytes(result, "id").String()
	c.mu.Unlock()
	c.logger.Info("ddp logged in", zap.String("user_id", c.UserID()))
	c.emit(EventLogged, result)
	return result, nil
}

// Logout ends the server session and emits "logout". The event is emitted
// even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Call(ctx, "logout")
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
	c.emit(EventLogout, nil)
	return err
}

// Call invokes a server method and waits for its result.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, &rooms.TransportError{Operation: method, Err: ErrNotConnected}
	}
	if params == nil {
		params = []any{}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	reply := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pendingCall[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingCall, id)
		c.pendingMu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, methodFrame{Msg: "method", ID: id, Method: method, Params: params}); err != nil {
		return nil, &rooms.TransportError{Operation: method, Err: err}
	}

	select {
	case result := <-reply:
		return result.result, result.err
	case <-ctx.Done():
		return nil, &rooms.TransportError{Operation: method, Err: ctx.Err()}
	}
}

// Subscribe starts a named subscription and waits until the server marks it
// ready. Subscriptions are remembered and replayed after every reconnect;
// while disconnected the subscription is only recorded.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) error {
	if params == nil {
		params = []any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("ddp: encode %s params: %w", name, err)
	}
	key := name + string(encoded)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.subKeys[key]; exists {
		c.mu.Unlock()
		return nil
	}
	sub := &subscription{id: uuid.NewString(), key: key, name: name, params: params}
	conn := c.conn
	// The waiter is registered before the sub becomes visible to resubscribe,
	// so a replay skips it and an early ready finds it.
	var ready chan error
	if conn != nil {
		ready = make(chan error, 1)
		c.pendingMu.Lock()
		c.pendingSub[sub.id] = ready
		c.pendingMu.Unlock()
	}
	c.subs[sub.id] = sub
	c.subKeys[key] = sub.id
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("ddp subscription deferred", zap.String("name", name))
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingSub, sub.id)
		c.pendingMu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, subFrame{Msg: "sub", ID: sub.id, Name: name, Params: params}); err != nil {
		return &rooms.TransportError{Operation: "sub " + name, Err: err}
	}
	select {
	case err := <-ready:
		if err != nil {
			c.forgetSubscription(sub.id)
		}
		return err
	case <-ctx.Done():
		return &rooms.TransportError{Operation: "sub " + name, Err: ctx.Err()}
	}
}

func (c *Client) forgetSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		delete(c.subKeys, sub.key)
		delete(c.subs, id)
	}
}

func (c *Client) resubscribe(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.pendingMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if _, inFlight := c.pendingSub[sub.id]; inFlight {
			continue
		}
		subs = append(subs, sub)
	}
	c.pendingMu.Unlock()
	c.mu.Unlock()
	for _, sub := range subs {
		if err := wsjson.Write(ctx, conn, subFrame{Msg: "sub", ID: sub.id, Name: sub.name, Params: sub.params}); err != nil {
			c.logger.Warn("ddp resubscribe failed",
				zap.String("operation", "ddp.resubscribe"),
				zap.String("name", sub.name),
				zap.Error(err))
		}
	}
}

// Close terminates the connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.cancel()
	c.failPending(ErrClosed)
	if conn != nil {
		// The read loop's context is already cancelled, so the handshake
		// usually reports the connection as closed.
		if err := conn.Close(websocket.StatusNormalClosure, "client close"); err != nil {
			c.logger.Debug("ddp close", zap.Error(err))
		}
	}
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.baseCtx)
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		c.route(conn, data)
	}
}

func (c *Client) route(conn *websocket.Conn, data []byte) {
	frame := gjson.ParseBytes(data)
	switch frame.Get("msg").String() {
	case "ping":
		pong := pongFrame{Msg: "pong", ID: frame.Get("id").String()}
		if err := wsjson.Write(c.baseCtx, conn, pong); err != nil {
			c.logger.Debug("ddp pong failed", zap.Error(err))
		}
	case "result":
		c.resolveCall(frame)
	case "ready":
		for _, id := range frame.Get("subs").Array() {
			c.resolveSub(id.String(), nil)
		}
	case "nosub":
		id := frame.Get("id").String()
		var err error = errNoSubscription
		if serverErr := frame.Get("error"); serverErr.Exists() {
			err = decodeServerError("sub", serverErr)
		}
		if !c.resolveSub(id, err) {
			c.forgetSubscription(id)
		}
	case "added", "changed":
		if collection := frame.Get("collection").String(); collection != "" {
			c.emit(collection, json.RawMessage(data))
		}
	}
}

func (c *Client) resolveCall(frame gjson.Result) {
	id := frame.Get("id").String()
	c.pendingMu.Lock()
	reply, ok := c.pendingCall[id]
	delete(c.pendingCall, id)
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if serverErr := frame.Get("error"); serverErr.Exists() {
		reply <- callResult{err: decodeServerError("method", serverErr)}
		return
	}
	reply <- callResult{result: json.RawMessage(frame.Get("result").Raw)}
}

func (c *Client) resolveSub(id string, err error) bool {
	c.pendingMu.Lock()
	ready, ok := c.pendingSub[id]
	delete(c.pendingSub, id)
	c.pendingMu.Unlock()
	if ok {
		ready <- err
	}
	return ok
}

func decodeServerError(method string, value gjson.Result) error {
	return &ServerError{
		Method:  method,
		Code:    value.Get("error").String(),
		Reason:  value.Get("reason").String(),
		Message: value.Get("message").String(),
	}
}

func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, reply := range c.pendingCall {
		reply <- callResult{err: &rooms.TransportError{Operation: "call", Err: cause}}
		delete(c.pendingCall, id)
	}
	for id, ready := range c.pendingSub {
		ready <- &rooms.TransportError{Operation: "sub", Err: cause}
		delete(c.pendingSub, id)
	}
}

func (c *Client) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.loggedIn = false
	c.mu.Unlock()

	c.failPending(cause)
	c.logger.Warn("ddp connection lost", zap.String("operation", "ddp.read"), zap.Error(cause))
	reason, _ := json.Marshal(map[string]string{"reason": cause.Error()})
	c.emit(EventDisconnected, reason)

	if c.config.AutoReconnect {
		c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for c.recon.shouldReconnect() {
		delay, attempt := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.logger.Info("ddp reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-c.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.setState(StateDisconnected)
		dialCtx, cancel := context.WithTimeout(c.baseCtx, c.config.CallTimeout)
		err := c.Connect(dialCtx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		if c.abandonSession() {
			return
		}
		c.logger.Warn("ddp reconnect failed", zap.String("operation", "ddp.reconnect"), zap.Error(err))
	}
	c.setState(StateDisconnected)
	c.logger.Error("ddp reconnect attempts exhausted", zap.Int("max_attempts", c.config.MaxReconnectAttempts))
}

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// nextDelay returns an exponential delay with up to 50% jitter. A connection
// that stayed up for over a minute resets the attempt counter.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}
