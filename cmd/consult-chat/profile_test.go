// ABOUTME: Tests for consult-chat profile loading
// ABOUTME: Covers decoding, env expansion, and validation failures

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadProfile(t *testing.T) {
	t.Setenv("CONSULT_TEST_TOKEN", "tok-123")
	path := writeProfile(t, `
relay_url = "ws://localhost:8080/ws"
api_url = "http://localhost:8080"
token = "${CONSULT_TEST_TOKEN}"
user_id = 7
name = "Dr. Kim"
publish_timeout = "5s"
max_attempts = 3

[logging]
level = "debug"
`)

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", p.Token)
	assert.Equal(t, int64(7), p.UserID)
	assert.Equal(t, "Dr. Kim", p.Name)
	assert.Equal(t, 5*time.Second, p.PublishTimeout.Duration)
	assert.Zero(t, p.RetryInterval.Duration)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, "debug", p.Logging.Level)
}

func TestLoadProfile_Invalid(t *testing.T) {
	base := `api_url = "http://localhost:8080"
token = "t"
user_id = 1
`
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing relay", base, "relay_url is required"},
		{"http relay", base + `relay_url = "http://localhost/ws"`, "ws or wss"},
		{"negative duration", base + `relay_url = "ws://x/ws"
publish_timeout = "-1s"`, "negative duration"},
		{"no user", `relay_url = "ws://x/ws"
api_url = "http://x"
token = "t"`, "user_id must be positive"},
		{"bad toml", "relay_url = ", "parsing profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProfile(writeProfile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
