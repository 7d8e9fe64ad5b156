package rooms

import (
	"encoding/json"
	"strings"
)

// RoomType is the canonical room kind stored locally.
type RoomType string

const (
	// RoomTypeChannel is a public channel.
	RoomTypeChannel RoomType = "channel"
	// RoomTypePrivate is a private group.
	RoomTypePrivate RoomType = "private"
	// RoomTypeDirect is a direct conversation between users.
	RoomTypeDirect RoomType = "direct"
)

// ParseRoomType canonicalizes the wire room type. The second return value
// reports whether the input named a known type.
func ParseRoomType(raw string) (RoomType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "c", "channel":
		return RoomTypeChannel, true
	case "p", "private", "group":
		return RoomTypePrivate, true
	case "d", "direct":
		return RoomTypeDirect, true
	default:
		return "", false
	}
}

// String returns the canonical name.
func (t RoomType) String() string {
	return string(t)
}

// LastMessage is the denormalized summary of a room's latest message.
type LastMessage struct {
	MessageID      string `json:"id,omitempty"`
	Text           string `json:"text,omitempty"`
	AuthorUsername string `json:"author,omitempty"`
	SentAtMs       int64  `json:"sent_at_ms,omitempty"`
}

// Subscription is the local record of the signed-in user's relationship to a
// room. The room id is the primary key so that at most one record per room exists.
type Subscription struct {
	RoomID                  string       `gorm:"column:room_id;primaryKey;size:190;not null" json:"rid"`
	SubscriptionID          string       `gorm:"column:subscription_id;size:190;not null;default:'';index" json:"id"`
	Name                    string       `gorm:"column:name;size:320;not null;default:'';index" json:"name"`
	NameFolded              string       `gorm:"column:name_folded;size:320;not null;default:'';index" json:"-"`
	FullName                string       `gorm:"column:full_name;size:320;not null;default:''" json:"fname,omitempty"`
	Type                    RoomType     `gorm:"column:room_type;size:16;not null;default:'channel'" json:"type"`
	Topic                   string       `gorm:"column:topic;type:text;not null;default:''" json:"topic,omitempty"`
	Description             string       `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	Announcement            string       `gorm:"column:announcement;type:text;not null;default:''" json:"announcement,omitempty"`
	ReadOnly                bool         `gorm:"column:read_only;not null;default:false" json:"read_only"`
	Archived                bool         `gorm:"column:archived;not null;default:false" json:"archived"`
	Broadcast               bool         `gorm:"column:broadcast;not null;default:false" json:"broadcast"`
	ReactWhenReadOnly       bool         `gorm:"column:react_when_read_only;not null;default:false" json:"react_when_read_only"`
	JoinCodeRequired        bool         `gorm:"column:join_code_required;not null;default:false" json:"join_code_required"`
	Muted                   []string     `gorm:"column:muted;serializer:json" json:"muted,omitempty"`
	LastMessage             *LastMessage `gorm:"column:last_message;serializer:json" json:"last_message,omitempty"`
	LastMessageAtMs         int64        `gorm:"column:last_message_at_ms;not null;default:0" json:"last_message_at_ms"`
	RoomUpdatedAtMs         int64        `gorm:"column:room_updated_at_ms;not null;default:0" json:"room_updated_at_ms"`
	Unread                  int64        `gorm:"column:unread;not null;default:0" json:"unread"`
	UserMentions            int64        `gorm:"column:user_mentions;not null;default:0" json:"user_mentions"`
	GroupMentions           int64        `gorm:"column:group_mentions;not null;default:0" json:"group_mentions"`
	Alert                   bool         `gorm:"column:alert;not null;default:false" json:"alert"`
	Open                    bool         `gorm:"column:open;not null;default:false" json:"open"`
	Favorite                bool         `gorm:"column:favorite;not null;default:false" json:"favorite"`
	Roles                   []string     `gorm:"column:roles;serializer:json" json:"roles,omitempty"`
	MobilePushNotifications string       `gorm:"column:mobile_push_notifications;size:32;not null;default:''" json:"mobile_push_notifications,omitempty"`
	NotificationsMuted      bool         `gorm:"column:notifications_muted;not null;default:false" json:"notifications_muted"`
	Blocker                 bool         `gorm:"column:blocker;not null;default:false" json:"blocker"`
	Blocked                 bool         `gorm:"column:blocked;not null;default:false" json:"blocked"`
	UpdatedAtMs             int64        `gorm:"column:updated_at_ms;not null;default:0" json:"updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Room caches the server-side identity and counters of a room.
type Room struct {
	RoomID          string   `gorm:"column:room_id;primaryKey;size:190;not null" json:"id"`
	Name            string   `gorm:"column:name;size:320;not null;default:'';index" json:"name"`
	NameFolded      string   `gorm:"column:name_folded;size:320;not null;default:'';index" json:"-"`
	FullName        string   `gorm:"column:full_name;size:320;not null;default:''" json:"fname,omitempty"`
	Type            RoomType `gorm:"column:room_type;size:16;not null;default:'channel'" json:"type"`
	Topic           string   `gorm:"column:topic;type:text;not null;default:''" json:"topic,omitempty"`
	Description     string   `gorm:"column:description;type:text;not null;default:''" json:"description,omitempty"`
	Announcement    string   `gorm:"column:announcement;type:text;not null;default:''" json:"announcement,omitempty"`
	ReadOnly        bool     `gorm:"column:read_only;not null;default:false" json:"read_only"`
	Archived        bool     `gorm:"column:archived;not null;default:false" json:"archived"`
	Broadcast       bool     `gorm:"column:broadcast;not null;default:false" json:"broadcast"`
	LastMessageAtMs int64    `gorm:"column:last_message_at_ms;not null;default:0" json:"last_message_at_ms"`
	MessagesCount   int64    `gorm:"column:messages_count;not null;default:0" json:"messages_count"`
	UsersCount      int64    `gorm:"column:users_count;not null;default:0" json:"users_count"`
	UpdatedAtMs     int64    `gorm:"column:updated_at_ms;not null;default:0" json:"updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// ChangeSet is the result of one full-reconciliation fetch. Payloads are kept
// raw so that each record is decoded (and possibly rejected) on its own.
type ChangeSet struct {
	Subscriptions        []json.RawMessage
	Rooms                []json.RawMessage
	RemovedSubscriptions []string
	RemovedRooms         []string
}

// Empty reports whether the change set carries no updates and no removals.
func (c ChangeSet) Empty() bool {
	return len(c.Subscriptions) == 0 && len(c.Rooms) == 0 &&
		len(c.RemovedSubscriptions) == 0 && len(c.RemovedRooms) == 0
}
