package mentions

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Kind is the mention being typed, named after its trigger character.
type Kind string

const (
	KindUser  Kind = "@"
	KindRoom  Kind = "#"
	KindEmoji Kind = ":"
)

var (
	triggerPattern = regexp.MustCompile(`(?i)([#@:])([a-z0-9._-]+)$`)
	keywordPattern = regexp.MustCompile(`(?i)[a-z0-9._-]+$`)

	errUnknownTarget = errors.New("mentions: payload does not describe a user, room or emoji")
)

// Trigger is an in-progress mention found immediately before the cursor.
type Trigger struct {
	Kind    Kind   `json:"kind"`
	Keyword string `json:"keyword"`
}

// ParseTrigger looks for a trigger character followed by at least one
// keyword character ending exactly at cursor. The cursor counts runes and is
// clamped to the text.
func ParseTrigger(text string, cursor int) (Trigger, bool) {
	prefix := text[:byteOffset(text, cursor)]
	match := triggerPattern.FindStringSubmatch(prefix)
	if match == nil {
		return Trigger{}, false
	}
	return Trigger{Kind: Kind(match[1]), Keyword: match[2]}, true
}

func byteOffset(text string, cursor int) int {
	if cursor <= 0 {
		return 0
	}
	if cursor >= utf8.RuneCountInString(text) {
		return len(text)
	}
	offset := 0
	for index := 0; index < cursor; index++ {
		_, size := utf8.DecodeRuneInString(text[offset:])
		offset += size
	}
	return offset
}

// Target is a completion candidate.
type Target interface {
	Kind() Kind
	Label() string
	isTarget()
}

// UserTarget completes an @mention.
type UserTarget struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RoomTarget completes a #room reference.
type RoomTarget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EmojiTarget completes a :emoji: shortcode.
type EmojiTarget struct {
	Name string `json:"name"`
}

func (UserTarget) Kind() Kind  { return KindUser }
func (RoomTarget) Kind() Kind  { return KindRoom }
func (EmojiTarget) Kind() Kind { return KindEmoji }

func (t UserTarget) Label() string  { return t.Username }
func (t RoomTarget) Label() string  { return t.Name }
func (t EmojiTarget) Label() string { return t.Name }

func (UserTarget) isTarget()  {}
func (RoomTarget) isTarget()  {}
func (EmojiTarget) isTarget() {}

// Insertion is the text that replaces the typed keyword.
func Insertion(target Target) string {
	switch value := target.(type) {
	case UserTarget:
		return value.Username
	case RoomTarget:
		return value.Name
	case EmojiTarget:
		return value.Name + ":"
	default:
		return ""
	}
}

// Complete replaces the keyword ending at cursor with the target's insertion
// followed by a space, and returns the new text and cursor (in runes).
func Complete(text string, cursor int, target Target) (string, int) {
	offset := byteOffset(text, cursor)
	head := keywordPattern.ReplaceAllString(text[:offset], "")
	head += Insertion(target) + " "
	return head + text[offset:], utf8.RuneCountInString(head)
}

// DecodeTarget resolves a raw candidate payload once into its variant. A
// payload with a username is a user; under an emoji trigger a bare string or
// a named object is an emoji; any other named object is a room.
func DecodeTarget(raw json.RawMessage, kind Kind) (Target, error) {
	parsed := gjson.ParseBytes(raw)
	if kind == KindEmoji {
		if parsed.Type == gjson.String && parsed.Str != "" {
			return EmojiTarget{Name: parsed.Str}, nil
		}
		if name := parsed.Get("name").String(); name != "" {
			return EmojiTarget{Name: name}, nil
		}
		return nil, errUnknownTarget
	}
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: %s", errUnknownTarget, strings.TrimSpace(string(raw)))
	}
	if username := parsed.Get("username").String(); username != "" {
		return UserTarget{ID: parsed.Get("_id").String(), Username: username}, nil
	}
	if name := parsed.Get("name").String(); name != "" {
		return RoomTarget{ID: parsed.Get("_id").String(), Name: name}, nil
	}
	return nil, errUnknownTarget
}
