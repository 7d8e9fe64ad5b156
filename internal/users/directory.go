package users

import (
	"strings"

	"golang.org/x/text/cases"
)

// DirectoryUser is a locally known chat user, kept for mention completion.
type DirectoryUser struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null" json:"id"`
	Username       string `gorm:"column:username;size:190;not null;index" json:"username"`
	UsernameFolded string `gorm:"column:username_folded;size:190;not null;default:'';index" json:"-"`
	Name           string `gorm:"column:name;size:320;not null;default:''" json:"name,omitempty"`
	UpdatedAtMs    int64  `gorm:"column:updated_at_ms;not null;default:0" json:"updated_at_ms"`
}

// TableName exposes the table backing the user directory.
func (DirectoryUser) TableName() string {
	return "directory_users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// foldUsername is the caseless key for username matching.
func foldUsername(value string) string {
	return cases.Fold().String(normalize(value))
}
