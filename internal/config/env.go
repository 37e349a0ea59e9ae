package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvToken          = "BOT_TOKEN"
	EnvAllowedChatIDs = "ALLOWED_CHAT_IDS"
	EnvTimezone       = "REMINDBOT_TIMEZONE"
	EnvStorageDriver  = "REMINDBOT_DB_DRIVER"
	EnvStoragePath    = "REMINDBOT_DB"
	EnvStorageDSN     = "REMINDBOT_DB_DSN"
	EnvLogLevel       = "REMINDBOT_LOG_LEVEL"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays non-empty environment values onto c.
func ApplyEnv(c *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvToken); v != "" {
		c.Telegram.Token = v
	}
	if v := get(EnvAllowedChatIDs); v != "" {
		ids, err := ParseChatIDs(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAllowedChatIDs, err)
		}
		c.Telegram.AllowedChatIDs = ids
	}
	if v := get(EnvTimezone); v != "" {
		c.Scheduler.Timezone = v
	}
	if v := get(EnvStorageDriver); v != "" {
		c.Storage.Driver = v
	}
	if v := get(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
	if v := get(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := get(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// ParseChatIDs parses a comma separated list of chat ids.
func ParseChatIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
