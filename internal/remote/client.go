package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	MethodSubscriptionsGet = "subscriptions/get"
	MethodRoomsGet         = "rooms/get"
	MethodSpotlight        = "spotlight"
)

var (
	errMissingCaller    = errors.New("caller is required")
	errUnexpectedResult = errors.New("result is neither an array nor an update/remove object")
)

// Caller invokes remote methods.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// SpotlightKind selects what a spotlight search returns.
type SpotlightKind int

const (
	SpotlightUsers SpotlightKind = iota + 1
	SpotlightRooms
)

// SpotlightUser is a user returned by a spotlight search.
type SpotlightUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// SpotlightRoom is a room returned by a spotlight search.
type SpotlightRoom struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"t"`
}

// SpotlightResult carries spotlight matches.
type SpotlightResult struct {
	Users []SpotlightUser `json:"users"`
	Rooms []SpotlightRoom `json:"rooms"`
}

// Client wraps the remote methods used for reconciliation and search.
type Client struct {
	caller Caller
	logger *zap.Logger
}

// NewClient constructs the remote API client.
func NewClient(caller Caller, logger *zap.Logger) (*Client, error) {
	if caller == nil {
		return nil, errMissingCaller
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{caller: caller, logger: logger}, nil
}

// FetchRoomsSince returns every subscription and room changed since the given
// time. Any failed call fails the whole fetch.
func (c *Client) FetchRoomsSince(ctx context.Context, since time.Time) (rooms.ChangeSet, error) {
	stamp := rooms.TimestampFromTime(since)

	subscriptions, err := c.call(ctx, MethodSubscriptionsGet, stamp)
	if err != nil {
		return rooms.ChangeSet{}, err
	}
	roomRecords, err := c.call(ctx, MethodRoomsGet, stamp)
	if err != nil {
		return rooms.ChangeSet{}, err
	}

	var set rooms.ChangeSet
	set.Subscriptions, set.RemovedSubscriptions, err = splitChanges(subscriptions)
	if err != nil {
		return rooms.ChangeSet{}, &rooms.DecodeError{Source: rooms.KindSubscription, Err: err}
	}
	set.Rooms, set.RemovedRooms, err = splitChanges(roomRecords)
	if err != nil {
		return rooms.ChangeSet{}, &rooms.DecodeError{Source: rooms.KindRoom, Err: err}
	}

	c.logger.Debug("remote rooms fetched",
		zap.Time("since", since),
		zap.Int("subscriptions", len(set.Subscriptions)),
		zap.Int("rooms", len(set.Rooms)),
		zap.Int("removed", len(set.RemovedSubscriptions)+len(set.RemovedRooms)))
	return set, nil
}

// Spotlight searches remote users or rooms by keyword. Names listed in
// exclude are left out of the results by the server.
func (c *Client) Spotlight(ctx context.Context, keyword string, exclude []string, kind SpotlightKind) (SpotlightResult, error) {
	if exclude == nil {
		exclude = []string{}
	}
	scope := map[string]bool{
		"users": kind == SpotlightUsers,
		"rooms": kind == SpotlightRooms,
	}
	raw, err := c.call(ctx, MethodSpotlight, keyword, exclude, scope)
	if err != nil {
		return SpotlightResult{}, err
	}
	var result SpotlightResult
	if len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return SpotlightResult{}, fmt.Errorf("remote: decode spotlight result: %w", err)
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw, err := c.caller.Call(ctx, method, params...)
	if err == nil {
		return raw, nil
	}
	var transportErr *rooms.TransportError
	if errors.As(err, &transportErr) {
		return nil, err
	}
	return nil, &rooms.TransportError{Operation: method, Err: err}
}

// splitChanges accepts either a bare array of records or an
// {"update": [...], "remove": [...]} object.
func splitChanges(raw json.RawMessage) ([]json.RawMessage, []string, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}
	parsed := gjson.ParseBytes(raw)
	switch {
	case parsed.Type == gjson.Null:
		return nil, nil, nil
	case parsed.IsArray():
		return rawRecords(parsed), nil, nil
	case parsed.IsObject():
		updates := rawRecords(parsed.Get("update"))
		var removed []string
		for _, entry := range parsed.Get("remove").Array() {
			id := entry.String()
			if entry.IsObject() {
				id = entry.Get("_id").String()
			}
			if id != "" {
				removed = append(removed, id)
			}
		}
		return updates, removed, nil
	default:
		return nil, nil, errUnexpectedResult
	}
}

func rawRecords(list gjson.Result) []json.RawMessage {
	entries := list.Array()
	if len(entries) == 0 {
		return nil
	}
	records := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		records = append(records, json.RawMessage(entry.Raw))
	}
	return records
}
