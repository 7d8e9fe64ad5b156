package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/bridge"
	"github.com/MarcoPoloResearchLab/roomsync/internal/ddp"
	"github.com/MarcoPoloResearchLab/roomsync/internal/mentions"
	"github.com/MarcoPoloResearchLab/roomsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/store"
	"github.com/MarcoPoloResearchLab/roomsync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "roomsync_subject"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
	maxListLimit             = 500
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingStore          = errors.New("store dependency required")
	errMissingLoop           = errors.New("reconcile loop dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Reader is the read side of the local store.
type Reader interface {
	FindSubscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]rooms.Subscription, error)
	FindRooms(ctx context.Context, filter store.RoomFilter) ([]rooms.Room, error)
}

type LoopStatus interface {
	Status() reconcile.Status
}

type TransportState interface {
	State() ddp.State
	LoggedIn() bool
}

type BridgeStats interface {
	Stats() bridge.Stats
}

// UserDirectory resolves users learned from remote searches.
type UserDirectory interface {
	LookupUsername(ctx context.Context, username string) (users.DirectoryUser, bool, error)
}

type MentionSearcher interface {
	Search(ctx context.Context, trigger mentions.Trigger) ([]mentions.Target, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Store             Reader
	Loop              LoopStatus
	Transport         TransportState
	Bridge            BridgeStats
	Mentions          MentionSearcher
	Users             UserDirectory
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Loop == nil {
		return nil, errMissingLoop
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		store:     deps.Store,
		loop:      deps.Loop,
		transport: deps.Transport,
		bridge:    deps.Bridge,
		mentions:  deps.Mentions,
		users:     deps.Users,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/subscriptions", handler.handleListSubscriptions)
	protected.GET("/subscriptions/:rid", handler.handleGetSubscription)
	protected.GET("/rooms", handler.handleListRooms)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/mentions", handler.handleMentions)
	protected.GET("/users/:username", handler.handleGetUser)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	store     Reader
	loop      LoopStatus
	transport TransportState
	bridge    BridgeStats
	mentions  MentionSearcher
	users     UserDirectory
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type subscriptionsResponsePayload struct {
	Subscriptions []rooms.Subscription `json:"subscriptions"`
}

func (h *httpHandler) handleListSubscriptions(c *gin.Context) {
	filter := store.SubscriptionFilter{NameContains: strings.TrimSpace(c.Query("q"))}
	roomType, ok := parseTypeQuery(c)
	if !ok {
		return
	}
	filter.Type = roomType
	limit, ok := parseLimitQuery(c)
	if !ok {
		return
	}
	filter.Limit = limit

	records, err := h.store.FindSubscriptions(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list subscriptions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if records == nil {
		records = []rooms.Subscription{}
	}
	c.JSON(http.StatusOK, subscriptionsResponsePayload{Subscriptions: records})
}

func (h *httpHandler) handleGetSubscription(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("rid"))
	records, err := h.store.FindSubscriptions(c.Request.Context(), store.SubscriptionFilter{RoomID: roomID, Limit: 1})
	if err != nil {
		h.logger.Error("failed to load subscription", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, records[0])
}

type roomsResponsePayload struct {
	Rooms []rooms.Room `json:"rooms"`
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	filter := store.RoomFilter{NameContains: strings.TrimSpace(c.Query("q"))}
	roomType, ok := parseTypeQuery(c)
	if !ok {
		return
	}
	filter.Type = roomType
	limit, ok := parseLimitQuery(c)
	if !ok {
		return
	}
	filter.Limit = limit

	records, err := h.store.FindRooms(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if records == nil {
		records = []rooms.Room{}
	}
	c.JSON(http.StatusOK, roomsResponsePayload{Rooms: records})
}

type syncStatusPayload struct {
	Reconcile reconcile.Status `json:"reconcile"`
	Transport string           `json:"transport,omitempty"`
	LoggedIn  bool             `json:"logged_in"`
	Bridge    *bridge.Stats    `json:"bridge,omitempty"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	payload := syncStatusPayload{Reconcile: h.loop.Status()}
	if h.transport != nil {
		payload.Transport = string(h.transport.State())
		payload.LoggedIn = h.transport.LoggedIn()
	}
	if h.bridge != nil {
		stats := h.bridge.Stats()
		payload.Bridge = &stats
	}
	c.JSON(http.StatusOK, payload)
}

type mentionTargetPayload struct {
	Kind      mentions.Kind `json:"kind"`
	ID        string        `json:"id,omitempty"`
	Label     string        `json:"label"`
	Insertion string        `json:"insertion"`
}

type mentionsResponsePayload struct {
	Trigger *mentions.Trigger      `json:"trigger"`
	Targets []mentionTargetPayload `json:"targets"`
}

func (h *httpHandler) handleMentions(c *gin.Context) {
	if h.mentions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mentions_unavailable"})
		return
	}
	text := c.Query("text")
	cursor := len([]rune(text))
	if rawCursor := c.Query("cursor"); rawCursor != "" {
		parsed, err := strconv.Atoi(rawCursor)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		cursor = parsed
	}

	response := mentionsResponsePayload{Targets: []mentionTargetPayload{}}
	trigger, ok := mentions.ParseTrigger(text, cursor)
	if !ok {
		c.JSON(http.StatusOK, response)
		return
	}
	response.Trigger = &trigger

	targets, err := h.mentions.Search(c.Request.Context(), trigger)
	if errors.Is(err, mentions.ErrSuperseded) {
		c.JSON(http.StatusConflict, gin.H{"error": "superseded"})
		return
	}
	if err != nil {
		h.logger.Error("mention search failed", zap.String("kind", string(trigger.Kind)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}
	for _, target := range targets {
		response.Targets = append(response.Targets, mentionTargetPayload{
			Kind:      target.Kind(),
			ID:        targetID(target),
			Label:     target.Label(),
			Insertion: mentions.Insertion(target),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_unavailable"})
		return
	}
	entry, ok, err := h.users.LookupUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.logger.Error("failed to look up user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": entry.UserID, "username": entry.Username, "name": entry.Name})
}

func targetID(target mentions.Target) string {
	switch value := target.(type) {
	case mentions.UserTarget:
		return value.ID
	case mentions.RoomTarget:
		return value.ID
	default:
		return ""
	}
}

type realtimeEventPayload struct {
	RoomIDs     []string `json:"roomIds"`
	TimestampMs int64    `json:"timestampMs"`
	Source      string   `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events_unavailable"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSource})
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-stream:
			c.SSEvent(message.EventType, realtimeEventPayload{
				RoomIDs:     message.RoomIDs,
				TimestampMs: message.Timestamp.UnixMilli(),
				Source:      realtimeSource,
			})
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSource})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryParam))
	return token, token != ""
}

func parseTypeQuery(c *gin.Context) (rooms.RoomType, bool) {
	raw := strings.TrimSpace(c.Query("type"))
	if raw == "" {
		return "", true
	}
	roomType, ok := rooms.ParseRoomType(raw)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type"})
		return "", false
	}
	return roomType, true
}

func parseLimitQuery(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
