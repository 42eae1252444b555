package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BOT_TOKEN", "x")
	t.Setenv("ANNOUNCE_CHANNEL_ID", "123")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.SendHour != 20 || cfg.SendMinute != 0 {
		t.Fatalf("send time = %02d:%02d, want 20:00", cfg.SendHour, cfg.SendMinute)
	}
	if cfg.AttestHour != 2 || cfg.AttestMinute != 0 {
		t.Fatalf("attest time = %02d:%02d, want 02:00", cfg.AttestHour, cfg.AttestMinute)
	}
	if cfg.AttestReconcileAfter != 30*time.Minute {
		t.Fatalf("reconcile after = %v, want 30m", cfg.AttestReconcileAfter)
	}
	if cfg.Timezone != "Asia/Taipei" {
		t.Fatalf("timezone = %q", cfg.Timezone)
	}
	if cfg.AttestEnabled() {
		t.Fatal("attestation should be disabled without ATTESTATION_CHANNEL_ID")
	}
}

func TestFromEnvRequiredKeys(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("ANNOUNCE_CHANNEL_ID", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error without BOT_TOKEN")
	}

	t.Setenv("BOT_TOKEN", "x")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error without ANNOUNCE_CHANNEL_ID")
	}
}

func TestFromEnvWindow(t *testing.T) {
	setRequired(t)
	t.Setenv("EXAM_START", "2026-01-05")
	t.Setenv("EXAM_END", "2026-01-09")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ExamStart.Year() != 2026 || cfg.ExamStart.Month() != time.January || cfg.ExamStart.Day() != 5 {
		t.Fatalf("exam start = %v", cfg.ExamStart)
	}
	if loc := cfg.ExamStart.Location().String(); loc != "Asia/Taipei" {
		t.Fatalf("window parsed in %s, want configured zone", loc)
	}

	t.Setenv("EXAM_END", "2026-01-04")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestFromEnvValidation(t *testing.T) {
	setRequired(t)
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "hour range", key: "SEND_HOUR", val: "24"},
		{name: "minute range", key: "SEND_MINUTE", val: "-1"},
		{name: "not a number", key: "ATTEST_HOUR", val: "two"},
		{name: "bad timezone", key: "TIMEZONE", val: "Mars/Olympus"},
		{name: "bad date", key: "EXAM_START", val: "01/05"},
		{name: "bad duration", key: "ATTEST_RECONCILE_AFTER", val: "soon"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestOwnerUserIDs(t *testing.T) {
	setRequired(t)
	t.Setenv("OWNER_USER_IDS", "111, 222,,333 ")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := []string{"111", "222", "333"}
	if len(cfg.OwnerUserIDs) != len(want) {
		t.Fatalf("owners = %v, want %v", cfg.OwnerUserIDs, want)
	}
	for i := range want {
		if cfg.OwnerUserIDs[i] != want[i] {
			t.Fatalf("owners = %v, want %v", cfg.OwnerUserIDs, want)
		}
	}
}

func TestStaticDiff(t *testing.T) {
	t.Parallel()
	a := &Config{BotToken: "a", Timezone: "UTC", SendHour: 20}
	b := &Config{BotToken: "b", Timezone: "UTC", SendHour: 21}
	keys := staticDiff(a, b)
	if len(keys) != 2 {
		t.Fatalf("staticDiff = %v, want 2 entries", keys)
	}
}
