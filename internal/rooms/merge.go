package rooms

import (
	"slices"
	"strings"
)

const mobilePushNothing = "nothing"

// MergeSubscription folds a subscription delta into the existing local record.
// Fields the delta omits keep their local value; a cleared field takes its
// default. A nil existing record yields the normalized delta.
func MergeSubscription(existing *Subscription, delta SubscriptionDelta) (Subscription, error) {
	subscriptionID, ok := delta.ID.Get()
	if !ok || strings.TrimSpace(subscriptionID) == "" {
		return Subscription{}, &MalformedRecordError{Kind: KindSubscription, Field: "_id"}
	}
	roomID, hasRoomID := delta.RoomID.Get()
	hasRoomID = hasRoomID && strings.TrimSpace(roomID) != ""

	merged := Subscription{Type: RoomTypeChannel}
	if existing != nil {
		merged = cloneSubscription(*existing)
	} else if !hasRoomID {
		return Subscription{}, &MalformedRecordError{Kind: KindSubscription, Field: "rid"}
	}

	merged.SubscriptionID = subscriptionID
	if hasRoomID {
		merged.RoomID = roomID
	}

	applyValue(&merged.Name, delta.Name, "")
	applyValue(&merged.FullName, delta.FullName, "")
	applyRoomType(&merged.Type, delta.Type)
	applyValue(&merged.Topic, delta.Topic, "")
	applyCount(&merged.Unread, delta.Unread)
	applyCount(&merged.UserMentions, delta.UserMentions)
	applyCount(&merged.GroupMentions, delta.GroupMentions)
	applyValue(&merged.Alert, delta.Alert, false)
	applyValue(&merged.Open, delta.Open, false)
	applyValue(&merged.Favorite, delta.Favorite, false)
	applyStrings(&merged.Roles, delta.Roles)
	if delta.MobilePushNotifications.Present() {
		applyValue(&merged.MobilePushNotifications, delta.MobilePushNotifications, "")
		merged.NotificationsMuted = merged.MobilePushNotifications == mobilePushNothing
	}
	if delta.Blocker.Present() {
		applyValue(&merged.Blocker, delta.Blocker, false)
		merged.Blocked = merged.Blocker
	}
	applyTimestamp(&merged.UpdatedAtMs, delta.UpdatedAt)

	return merged, nil
}

// FoldRoom copies the denormalized room fields of a room delta into the
// subscription for that room, creating the subscription when none exists.
func FoldRoom(existing *Subscription, delta RoomDelta) (Subscription, error) {
	roomID, ok := delta.ID.Get()
	if !ok || strings.TrimSpace(roomID) == "" {
		return Subscription{}, &MalformedRecordError{Kind: KindRoom, Field: "_id"}
	}

	merged := Subscription{RoomID: roomID, Type: RoomTypeChannel}
	if existing != nil {
		merged = cloneSubscription(*existing)
		merged.RoomID = roomID
	}

	applyValue(&merged.Name, delta.Name, "")
	applyValue(&merged.FullName, delta.FullName, "")
	applyRoomType(&merged.Type, delta.Type)
	applyValue(&merged.Topic, delta.Topic, "")
	applyValue(&merged.Description, delta.Description, "")
	applyValue(&merged.Announcement, delta.Announcement, "")
	applyValue(&merged.ReadOnly, delta.ReadOnly, false)
	applyValue(&merged.Archived, delta.Archived, false)
	applyValue(&merged.Broadcast, delta.Broadcast, false)
	applyValue(&merged.ReactWhenReadOnly, delta.ReactWhenReadOnly, false)
	applyValue(&merged.JoinCodeRequired, delta.JoinCodeRequired, false)
	applyStrings(&merged.Muted, delta.Muted)
	if delta.LastMessage.Present() {
		merged.LastMessage = nil
		if message, ok := delta.LastMessage.Get(); ok {
			merged.LastMessage = message.toLastMessage()
		}
	}
	applyTimestamp(&merged.LastMessageAtMs, delta.LastMessageAt)
	applyTimestamp(&merged.RoomUpdatedAtMs, delta.UpdatedAt)

	return merged, nil
}

// MergeRoom folds a room delta into the cached room record.
func MergeRoom(existing *Room, delta RoomDelta) (Room, error) {
	roomID, ok := delta.ID.Get()
	if !ok || strings.TrimSpace(roomID) == "" {
		return Room{}, &MalformedRecordError{Kind: KindRoom, Field: "_id"}
	}

	merged := Room{RoomID: roomID, Type: RoomTypeChannel}
	if existing != nil {
		merged = *existing
		merged.RoomID = roomID
	}

	applyValue(&merged.Name, delta.Name, "")
	applyValue(&merged.FullName, delta.FullName, "")
	applyRoomType(&merged.Type, delta.Type)
	applyValue(&merged.Topic, delta.Topic, "")
	applyValue(&merged.Description, delta.Description, "")
	applyValue(&merged.Announcement, delta.Announcement, "")
	applyValue(&merged.ReadOnly, delta.ReadOnly, false)
	applyValue(&merged.Archived, delta.Archived, false)
	applyValue(&merged.Broadcast, delta.Broadcast, false)
	applyTimestamp(&merged.LastMessageAtMs, delta.LastMessageAt)
	applyCount(&merged.MessagesCount, delta.MessagesCount)
	applyCount(&merged.UsersCount, delta.UsersCount)
	applyTimestamp(&merged.UpdatedAtMs, delta.UpdatedAt)

	return merged, nil
}

func applyValue[T any](target *T, field Optional[T], fallback T) {
	if !field.Present() {
		return
	}
	if value, ok := field.Get(); ok {
		*target = value
		return
	}
	*target = fallback
}

func applyCount(target *int64, field Optional[Count]) {
	if !field.Present() {
		return
	}
	value, _ := field.Get()
	*target = max(int64(value), 0)
}

func applyTimestamp(target *int64, field Optional[Timestamp]) {
	if !field.Present() {
		return
	}
	value, _ := field.Get()
	*target = max(value.Int64(), 0)
}

func applyStrings(target *[]string, field Optional[[]string]) {
	if !field.Present() {
		return
	}
	value, _ := field.Get()
	*target = slices.Clone(value)
}

// applyRoomType ignores unknown room types as if the field were omitted.
func applyRoomType(target *RoomType, field Optional[string]) {
	if !field.Present() {
		return
	}
	raw, ok := field.Get()
	if !ok {
		*target = RoomTypeChannel
		return
	}
	if roomType, known := ParseRoomType(raw); known {
		*target = roomType
	}
}

func cloneSubscription(source Subscription) Subscription {
	clone := source
	clone.Muted = slices.Clone(source.Muted)
	clone.Roles = slices.Clone(source.Roles)
	if source.LastMessage != nil {
		message := *source.LastMessage
		clone.LastMessage = &message
	}
	return clone
}
