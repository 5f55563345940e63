package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "  ", want: 0},
		{raw: "500ms", want: 500 * time.Millisecond},
		{raw: " 1m ", want: time.Minute},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "soon", wantErr: true},
		{raw: "10", wantErr: true}, // unit required
		{raw: "-5s", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseDurationField("scheduler.tick_interval", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): expected error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseDurationFieldNamesField(t *testing.T) {
	t.Parallel()
	_, err := ParseDurationField("history.busy_timeout", "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.HasPrefix(got, "history.busy_timeout") {
		t.Fatalf("error = %q, want the field name leading", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 2*time.Second); err != nil || d != 2*time.Second {
		t.Fatalf("empty = %v, %v; want default", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", 2*time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("set = %v, %v; want parsed value", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "bogus", 2*time.Second); err == nil {
		t.Fatal("expected error for unparseable value")
	}
}
