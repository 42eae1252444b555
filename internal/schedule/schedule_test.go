package schedule

import (
	"testing"
	"time"

	logx "vigil/pkg/logx"
)

func TestNextDaily(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before today's slot",
			now:  time.Date(2026, 1, 5, 10, 0, 0, 0, loc),
			want: time.Date(2026, 1, 5, 20, 0, 0, 0, loc),
		},
		{
			name: "after today's slot rolls to tomorrow",
			now:  time.Date(2026, 1, 5, 21, 30, 0, 0, loc),
			want: time.Date(2026, 1, 6, 20, 0, 0, 0, loc),
		},
		{
			name: "exactly at slot rolls to tomorrow",
			now:  time.Date(2026, 1, 5, 20, 0, 0, 0, loc),
			want: time.Date(2026, 1, 6, 20, 0, 0, 0, loc),
		},
		{
			name: "month boundary",
			now:  time.Date(2026, 1, 31, 23, 0, 0, 0, loc),
			want: time.Date(2026, 2, 1, 20, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextDaily(tt.now, 20, 0, loc)
			if !got.Equal(tt.want) {
				t.Fatalf("NextDaily(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestAddDailyValidation(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())

	if err := s.AddDaily("bad-hour", 24, 0, func(time.Time) {}); err == nil {
		t.Fatal("expected error for hour 24")
	}
	if err := s.AddDaily("bad-minute", 0, 60, func(time.Time) {}); err == nil {
		t.Fatal("expected error for minute 60")
	}
	if err := s.AddDaily("nil-job", 0, 0, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
	if err := s.AddDaily("ok", 2, 30, func(time.Time) {}); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	// Re-registering replaces rather than duplicates.
	if err := s.AddDaily("ok", 3, 15, func(time.Time) {}); err != nil {
		t.Fatalf("AddDaily replace: %v", err)
	}
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())

	// Must not propagate the panic.
	s.run("explosive", func(time.Time) { panic("boom") })
}
