package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full environment-derived configuration.
//
// Static fields (token, channels, schedule times, window) are read once at
// boot; changing them requires a restart. Dynamic fields (log level) can be
// hot-applied by Manager when the env file changes.
type Config struct {
	BotToken string
	GuildID  string

	AnnounceChannelID string
	SendHour          int
	SendMinute        int

	// Exam window (civil dates, inclusive) in the configured timezone.
	ExamStart time.Time
	ExamEnd   time.Time

	Timezone string

	// Attestation (sleep check). Enabled iff AttestChannelID is set.
	AttestChannelID      string
	AttestHour           int
	AttestMinute         int
	AttestReconcileAfter time.Duration

	OwnerUserIDs []string

	LogLevel     string
	LogFile      string
	LogChannelID string

	StagingDir    string
	HistoryDBPath string

	YTDLPPath    string
	FFmpegPath   string
	YTCookiesB64 string
}

const (
	defaultTimezone = "Asia/Taipei"

	defaultSendHour   = 20
	defaultSendMinute = 0

	defaultAttestHour     = 2
	defaultAttestMinute   = 0
	defaultReconcileAfter = 30 * time.Minute
	defaultStagingDir     = "./staging"
	defaultHistoryDBPath  = "./vigil_history.db"
)

// Load reads configuration from the process environment, optionally merging
// an env file first (missing file is not an error; the deployment platform
// may inject plain environment variables instead).
func Load(envPath string) (*Config, error) {
	if strings.TrimSpace(envPath) != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the current process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		BotToken:          os.Getenv("BOT_TOKEN"),
		GuildID:           os.Getenv("GUILD_ID"),
		AnnounceChannelID: os.Getenv("ANNOUNCE_CHANNEL_ID"),
		Timezone:          getEnv("TIMEZONE", defaultTimezone),
		AttestChannelID:   os.Getenv("ATTESTATION_CHANNEL_ID"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           os.Getenv("LOG_FILE"),
		LogChannelID:      os.Getenv("LOG_CHANNEL_ID"),
		StagingDir:        getEnv("STAGING_DIR", defaultStagingDir),
		HistoryDBPath:     getEnv("HISTORY_DB_PATH", defaultHistoryDBPath),
		YTDLPPath:         getEnv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		YTCookiesB64:      os.Getenv("YT_COOKIES_B64"),
	}

	if cfg.BotToken == "" {
		return nil, errors.New("BOT_TOKEN is required")
	}
	if cfg.AnnounceChannelID == "" {
		return nil, errors.New("ANNOUNCE_CHANNEL_ID is required")
	}

	var err error
	if cfg.SendHour, err = getEnvInt("SEND_HOUR", defaultSendHour, 0, 23); err != nil {
		return nil, err
	}
	if cfg.SendMinute, err = getEnvInt("SEND_MINUTE", defaultSendMinute, 0, 59); err != nil {
		return nil, err
	}
	if cfg.AttestHour, err = getEnvInt("ATTEST_HOUR", defaultAttestHour, 0, 23); err != nil {
		return nil, err
	}
	if cfg.AttestMinute, err = getEnvInt("ATTEST_MINUTE", defaultAttestMinute, 0, 59); err != nil {
		return nil, err
	}

	cfg.AttestReconcileAfter = defaultReconcileAfter
	if raw := os.Getenv("ATTEST_RECONCILE_AFTER"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("ATTEST_RECONCILE_AFTER: invalid duration %q", raw)
		}
		cfg.AttestReconcileAfter = d
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: invalid %q: %w", cfg.Timezone, err)
	}

	if cfg.ExamStart, err = getEnvDate("EXAM_START", loc); err != nil {
		return nil, err
	}
	if cfg.ExamEnd, err = getEnvDate("EXAM_END", loc); err != nil {
		return nil, err
	}
	if !cfg.ExamStart.IsZero() && !cfg.ExamEnd.IsZero() && cfg.ExamEnd.Before(cfg.ExamStart) {
		return nil, errors.New("EXAM_END must not be before EXAM_START")
	}

	if raw := strings.TrimSpace(os.Getenv("OWNER_USER_IDS")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				cfg.OwnerUserIDs = append(cfg.OwnerUserIDs, id)
			}
		}
	}

	return cfg, nil
}

// Reload merges the env file over the current process environment and rebuilds
// the Config. Unlike Load it overrides variables that are already set, so edits
// to the file are visible on hot reload.
func Reload(envPath string) (*Config, error) {
	if strings.TrimSpace(envPath) != "" {
		if err := godotenv.Overload(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}
	return FromEnv()
}

// AttestEnabled reports whether the sleep-check scheduler should run.
func (c *Config) AttestEnabled() bool { return c.AttestChannelID != "" }

// Location loads the configured timezone. Config validation guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def, min, max int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: not a number: %q", key, raw)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s: %d out of range [%d,%d]", key, n, min, max)
	}
	return n, nil
}

// getEnvDate parses a civil date (YYYY-MM-DD) at midnight in loc.
// Missing value yields the zero time (feature disabled).
func getEnvDate(key string, loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid date %q (want YYYY-MM-DD)", key, raw)
	}
	return t, nil
}
