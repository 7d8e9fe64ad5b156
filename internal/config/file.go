package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ErrConfigExists is returned by WriteFile when the target exists and
// overwriting was not requested.
var ErrConfigExists = errors.New("config file already exists")

// File is the on-disk TOML layout read back through viper.
type File struct {
	Server   ServerSection   `toml:"server"`
	Auth     AuthSection     `toml:"auth"`
	Database DatabaseSection `toml:"database"`
	Log      LogSection      `toml:"log"`
	Sync     SyncSection     `toml:"sync"`
	Realtime RealtimeSection `toml:"realtime"`
	API      APISection      `toml:"api"`
	Mentions MentionsSection `toml:"mentions"`
}

type ServerSection struct {
	URL string `toml:"url"`
}

type AuthSection struct {
	UserID      string `toml:"user_id"`
	ResumeToken string `toml:"resume_token"`
}

type DatabaseSection struct {
	Path string `toml:"path"`
}

type LogSection struct {
	Level string `toml:"level"`
}

type SyncSection struct {
	Interval     string `toml:"interval"`
	FetchTimeout string `toml:"fetch_timeout"`
}

type RealtimeSection struct {
	CallTimeout        string `toml:"call_timeout"`
	ReconnectBaseDelay string `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  string `toml:"reconnect_max_delay"`
}

type APISection struct {
	Address         string `toml:"address"`
	SigningSecret   string `toml:"signing_secret"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
}

type MentionsSection struct {
	Emojis       []string `toml:"emojis"`
	CustomEmojis []string `toml:"custom_emojis"`
}

// Template returns a File populated with the defaults and the given
// connection settings.
func Template(serverURL, resumeToken, signingSecret string) File {
	return File{
		Server:   ServerSection{URL: serverURL},
		Auth:     AuthSection{ResumeToken: resumeToken},
		Database: DatabaseSection{Path: defaultDatabasePath},
		Log:      LogSection{Level: defaultLogLevel},
		Sync: SyncSection{
			Interval:     defaultSyncInterval.String(),
			FetchTimeout: defaultFetchTimeout.String(),
		},
		Realtime: RealtimeSection{
			CallTimeout:        defaultCallTimeout.String(),
			ReconnectBaseDelay: defaultReconnectBaseDelay.String(),
			ReconnectMaxDelay:  defaultReconnectMaxDelay.String(),
		},
		API: APISection{
			Address:         defaultAPIAddress,
			SigningSecret:   signingSecret,
			TokenTTLMinutes: defaultTokenTTLMinutes,
		},
		Mentions: MentionsSection{
			Emojis:       []string{},
			CustomEmojis: []string{},
		},
	}
}

// WriteFile encodes file as TOML at path with owner-only permissions.
func WriteFile(path string, file File, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	encoded, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
