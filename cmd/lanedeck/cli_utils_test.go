package main

import (
	"flag"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		setup    func() *flag.FlagSet
		args     []string
		expected []string
	}{
		{
			name: "flags already before positional args",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"--json", "state.db"},
			expected: []string{"--json", "state.db"},
		},
		{
			name: "bool flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"state.db", "--json"},
			expected: []string{"--json", "state.db"},
		},
		{
			name: "string flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("since", "", "")
				return fs
			},
			args:     []string{"state.db", "--since", "1h"},
			expected: []string{"--since", "1h", "state.db"},
		},
		{
			name: "flag with equals syntax",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("since", "", "")
				return fs
			},
			args:     []string{"state.db", "--since=1h"},
			expected: []string{"--since=1h", "state.db"},
		},
		{
			name: "double dash stops flag parsing",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"--json", "--", "--not-a-flag"},
			expected: []string{"--json", "--not-a-flag"},
		},
		{
			name: "no args",
			setup: func() *flag.FlagSet {
				return flag.NewFlagSet("test", flag.ContinueOnError)
			},
			args:     []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(tt.setup(), tt.args)
			if len(got) == 0 && len(tt.expected) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("normalizeArgs(%v) = %v, want %v", tt.args, got, tt.expected)
			}
		})
	}
}

func TestParseSinceFlag(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSinceFlag("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSinceFlag("2026-02-28T10:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), got)

	got, err = parseSinceFlag("  ", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseSinceFlag("-5m", now)
	assert.Error(t, err)
	_, err = parseSinceFlag("yesterday", now)
	assert.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "x", firstNonEmpty(" x "))
	assert.Empty(t, firstNonEmpty("", " "))
}

func TestDaemonClientSendsBearerAndDecodesErrors(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/fail" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":"READ_ONLY","message":"server is read-only"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"found":3}`))
	}))
	defer ts.Close()

	client := newDaemonClient(ts.URL+"/", "s3cret")
	var out struct {
		Found int `json:"found"`
	}
	require.NoError(t, client.do(http.MethodGet, "/ok", &out))
	assert.Equal(t, 3, out.Found)
	assert.Equal(t, "Bearer s3cret", gotAuth)

	err := client.do(http.MethodPost, "/fail", &out)
	require.Error(t, err)
	assert.Equal(t, "READ_ONLY: server is read-only", err.Error())
}

func TestDaemonClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7420", newDaemonClient("127.0.0.1:7420", "").base)
	assert.Equal(t, "https://deck.example", newDaemonClient("https://deck.example/", "").base)
}
