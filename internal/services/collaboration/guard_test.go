package collaboration

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerSecond(t *testing.T) {
	rl := NewRateLimiter(10, 500, 100*1024)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, rl.checkRateAt("alice", "s1", base.Add(time.Duration(i)*50*time.Millisecond)))
	}

	err := rl.checkRateAt("alice", "s1", base.Add(600*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Once the burst ages past the one second window, sends resume.
	assert.NoError(t, rl.checkRateAt("alice", "s1", base.Add(1500*time.Millisecond)))
}

func TestRateLimiterPerMinute(t *testing.T) {
	rl := NewRateLimiter(1000, 500, 100*1024)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Spread 500 messages so the per-second ceiling never trips.
	for i := 0; i < 500; i++ {
		require.NoError(t, rl.checkRateAt("alice", "s1", base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	err := rl.checkRateAt("alice", "s1", base.Add(50*time.Second))
	assert.ErrorIs(t, err, ErrRateLimited)

	// A rejected message is not counted against the window.
	err = rl.checkRateAt("alice", "s1", base.Add(50*time.Second))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 500, 100*1024)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rl.checkRateAt("alice", "s1", now))
	assert.Error(t, rl.checkRateAt("alice", "s1", now))

	// Same user in a different session has its own window.
	assert.NoError(t, rl.checkRateAt("alice", "s2", now))
	// Different user in the same session too.
	assert.NoError(t, rl.checkRateAt("bob", "s1", now))
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1, 500, 100*1024)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rl.checkRateAt("alice", "s1", now))
	require.Error(t, rl.checkRateAt("alice", "s1", now))

	rl.Reset("alice", "s1")
	assert.NoError(t, rl.checkRateAt("alice", "s1", now))
}

func TestCheckSize(t *testing.T) {
	rl := NewRateLimiter(10, 500, 1024)

	assert.NoError(t, rl.CheckSize(bytes.Repeat([]byte("a"), 1024)))

	err := rl.CheckSize(bytes.Repeat([]byte("a"), 1025))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestThreatScreenPatterns(t *testing.T) {
	ts := NewThreatScreen()

	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"plain text", `{"type":"edit","data":{"content":"hello"}}`, false},
		{"script tag", `<script>alert(1)</script>`, true},
		{"script tag mixed case", `<ScRiPt>alert(1)</script>`, true},
		{"javascript url", `javascript:alert(1)`, true},
		{"event handler", `<img onerror=alert(1)>`, true},
		{"iframe", `< iframe src="x">`, true},
		{"eval call", `eval(payload)`, true},
		{"exec call", `exec (cmd)`, true},
		{"eval as substring of a word", `medieval times`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ts.Screen("alice", []byte(tc.payload))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestThreatScreenFloodBlock(t *testing.T) {
	ts := NewThreatScreen()
	large := bytes.Repeat([]byte("a"), largeMessageBytes)

	for i := 0; i < largeMessageCeiling; i++ {
		require.NoError(t, ts.Screen("alice", large))
	}

	err := ts.Screen("alice", large)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, ts.IsBlocked("alice"))

	// Even harmless messages are refused while blocked.
	err = ts.Screen("alice", []byte("hello"))
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other users are unaffected.
	assert.NoError(t, ts.Screen("bob", []byte("hello")))

	ts.Unblock("alice")
	assert.NoError(t, ts.Screen("alice", []byte("hello")))
}

func TestThreatScreenBlockExpires(t *testing.T) {
	ts := NewThreatScreen()
	ts.Block("alice", -time.Second)
	assert.False(t, ts.IsBlocked("alice"))
}
