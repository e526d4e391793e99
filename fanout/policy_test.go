package fanout

import (
	"testing"
	"time"
)

func TestSuppressEmail(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	policy := NewPolicy(2 * time.Hour)

	testCases := []struct {
		name         string
		selfSend     bool
		online       bool
		lastActivity time.Time
		hasActivity  bool
		want         bool
	}{
		{
			name: "default is send",
			want: false,
		},
		{
			name:   "online suppresses regardless of recency",
			online: true,
			want:   true,
		},
		{
			name:         "online suppresses even with old activity",
			online:       true,
			lastActivity: now.Add(-48 * time.Hour),
			hasActivity:  true,
			want:         true,
		},
		{
			name:         "offline with activity older than window sends",
			lastActivity: now.Add(-3 * time.Hour),
			hasActivity:  true,
			want:         false,
		},
		{
			name:         "offline with activity inside window suppresses",
			lastActivity: now.Add(-30 * time.Minute),
			hasActivity:  true,
			want:         true,
		},
		{
			name:         "activity exactly at the window boundary sends",
			lastActivity: now.Add(-2 * time.Hour),
			hasActivity:  true,
			want:         false,
		},
		{
			name:     "self send always suppresses",
			selfSend: true,
			want:     true,
		},
	}
	for _, tc := range testCases {
		got := policy.SuppressEmail(tc.selfSend, tc.online, tc.lastActivity, tc.hasActivity, now)
		if got != tc.want {
			t.Errorf("%s: SuppressEmail = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAllowPush(t *testing.T) {
	policy := NewPolicy(0)
	testCases := []struct {
		optedIn  bool
		selfSend bool
		want     bool
	}{
		{optedIn: true, selfSend: false, want: true},
		{optedIn: true, selfSend: true, want: false},
		{optedIn: false, selfSend: false, want: false},
		{optedIn: false, selfSend: true, want: false},
	}
	for _, tc := range testCases {
		got := policy.AllowPush(tc.optedIn, tc.selfSend)
		if got != tc.want {
			t.Errorf("AllowPush(optedIn=%v, selfSend=%v) = %v, want %v", tc.optedIn, tc.selfSend, got, tc.want)
		}
	}
}

func TestNewPolicyDefaultsWindow(t *testing.T) {
	if got := NewPolicy(0).QuietWindow; got != DefaultQuietWindow {
		t.Fatalf("NewPolicy(0).QuietWindow = %v, want %v", got, DefaultQuietWindow)
	}
	if got := NewPolicy(4 * time.Hour).QuietWindow; got != 4*time.Hour {
		t.Fatalf("NewPolicy(4h).QuietWindow = %v", got)
	}
}
