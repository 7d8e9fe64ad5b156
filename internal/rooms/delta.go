package rooms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var jsonNull = []byte("null")

// Optional carries a delta field in one of three states: omitted (the key was
// absent), cleared (the key was present with a JSON null) or set.
type Optional[T any] struct {
	value   T
	present bool
	cleared bool
}

// OptionalOf returns a set Optional holding value.
func OptionalOf[T any](value T) Optional[T] {
	return Optional[T]{value: value, present: true}
}

// ClearedOptional returns an Optional carrying the cleared sentinel.
func ClearedOptional[T any]() Optional[T] {
	return Optional[T]{present: true, cleared: true}
}

// Present reports whether the field was part of the delta, set or cleared.
func (o Optional[T]) Present() bool {
	return o.present
}

// Cleared reports whether the delta explicitly cleared the field.
func (o Optional[T]) Cleared() bool {
	return o.present && o.cleared
}

// Get returns the value and true when the field was set to a value.
func (o Optional[T]) Get() (T, bool) {
	if !o.present || o.cleared {
		var zero T
		return zero, false
	}
	return o.value, true
}

// UnmarshalJSON records presence; a JSON null marks the field as cleared.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.present = true
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		var zero T
		o.value = zero
		o.cleared = true
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	o.value = value
	o.cleared = false
	return nil
}

// Timestamp is a unix time in milliseconds. It decodes EJSON dates
// ({"$date": 1700000000000}), bare millisecond numbers and RFC 3339 strings.
type Timestamp int64

// TimestampFromTime converts t to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time returns the timestamp as a UTC time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// Int64 exposes the raw millisecond value.
func (ts Timestamp) Int64() int64 {
	return int64(ts)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	if parsed.IsObject() {
		parsed = parsed.Get("$date")
	}
	switch parsed.Type {
	case gjson.Number:
		*ts = Timestamp(saturatingInt64(parsed.Num))
		return nil
	case gjson.String:
		value, err := time.Parse(time.RFC3339Nano, parsed.Str)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", parsed.Str, err)
		}
		*ts = TimestampFromTime(value)
		return nil
	default:
		return fmt.Errorf("timestamp: unsupported value %s", string(data))
	}
}

// MarshalJSON encodes the timestamp as an EJSON date.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{"$date":` + strconv.FormatInt(int64(ts), 10) + `}`), nil
}

// Count is a counter decoded from any JSON number or numeric string.
// Fractions are truncated; clamping happens during merge.
type Count int64

// UnmarshalJSON implements json.Unmarshaler.
func (c *Count) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	switch parsed.Type {
	case gjson.Number:
		*c = Count(saturatingInt64(parsed.Num))
		return nil
	case gjson.String:
		value, err := strconv.ParseFloat(strings.TrimSpace(parsed.Str), 64)
		if err != nil {
			return fmt.Errorf("count %q: %w", parsed.Str, err)
		}
		*c = Count(saturatingInt64(value))
		return nil
	default:
		return fmt.Errorf("count: unsupported value %s", string(data))
	}
}

// saturatingInt64 truncates value toward zero and pins anything outside the
// int64 range to its nearest bound. NaN decodes as zero.
func saturatingInt64(value float64) int64 {
	switch {
	case math.IsNaN(value):
		return 0
	case value >= math.MaxInt64:
		return math.MaxInt64
	case value <= math.MinInt64:
		return math.MinInt64
	default:
		return int64(math.Trunc(value))
	}
}

type wireUser struct {
	Username string `json:"username"`
}

type wireLastMessage struct {
	ID     string     `json:"_id"`
	Text   string     `json:"msg"`
	Author *wireUser  `json:"u"`
	SentAt *Timestamp `json:"ts"`
}

func (m wireLastMessage) toLastMessage() *LastMessage {
	summary := &LastMessage{MessageID: m.ID, Text: m.Text}
	if m.Author != nil {
		summary.AuthorUsername = m.Author.Username
	}
	if m.SentAt != nil {
		summary.SentAtMs = m.SentAt.Int64()
	}
	return summary
}

// SubscriptionDelta is an incoming partial subscription record.
type SubscriptionDelta struct {
	ID                      Optional[string]    `json:"_id"`
	RoomID                  Optional[string]    `json:"rid"`
	Name                    Optional[string]    `json:"name"`
	FullName                Optional[string]    `json:"fname"`
	Type                    Optional[string]    `json:"t"`
	Topic                   Optional[string]    `json:"topic"`
	Unread                  Optional[Count]     `json:"unread"`
	UserMentions            Optional[Count]     `json:"userMentions"`
	GroupMentions           Optional[Count]     `json:"groupMentions"`
	Alert                   Optional[bool]      `json:"alert"`
	Open                    Optional[bool]      `json:"open"`
	Favorite                Optional[bool]      `json:"f"`
	Roles                   Optional[[]string]  `json:"roles"`
	MobilePushNotifications Optional[string]    `json:"mobilePushNotifications"`
	Blocker                 Optional[bool]      `json:"blocker"`
	UpdatedAt               Optional[Timestamp] `json:"_updatedAt"`
}

// RoomDelta is an incoming partial room record.
type RoomDelta struct {
	ID                Optional[string]          `json:"_id"`
	Name              Optional[string]          `json:"name"`
	FullName          Optional[string]          `json:"fname"`
	Type              Optional[string]          `json:"t"`
	Topic             Optional[string]          `json:"topic"`
	Description       Optional[string]          `json:"description"`
	Announcement      Optional[string]          `json:"announcement"`
	ReadOnly          Optional[bool]            `json:"ro"`
	Archived          Optional[bool]            `json:"archived"`
	Broadcast         Optional[bool]            `json:"broadcast"`
	ReactWhenReadOnly Optional[bool]            `json:"reactWhenReadOnly"`
	JoinCodeRequired  Optional[bool]            `json:"joinCodeRequired"`
	Muted             Optional[[]string]        `json:"muted"`
	LastMessage       Optional[wireLastMessage] `json:"lastMessage"`
	LastMessageAt     Optional[Timestamp]       `json:"lm"`
	MessagesCount     Optional[Count]           `json:"msgs"`
	UsersCount        Optional[Count]           `json:"usersCount"`
	UpdatedAt         Optional[Timestamp]       `json:"_updatedAt"`
}

// DecodeSubscriptionDelta parses a raw subscription payload.
func DecodeSubscriptionDelta(raw []byte) (SubscriptionDelta, error) {
	var delta SubscriptionDelta
	if err := decodeObject(raw, &delta); err != nil {
		return SubscriptionDelta{}, &DecodeError{Source: KindSubscription, Err: err}
	}
	return delta, nil
}

// DecodeRoomDelta parses a raw room payload.
func DecodeRoomDelta(raw []byte) (RoomDelta, error) {
	var delta RoomDelta
	if err := decodeObject(raw, &delta); err != nil {
		return RoomDelta{}, &DecodeError{Source: KindRoom, Err: err}
	}
	return delta, nil
}

func decodeObject(raw []byte, target any) error {
	if !gjson.ValidBytes(raw) {
		return errInvalidJSON
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return errNotAnObject
	}
	return json.Unmarshal(raw, target)
}
