package collaboration

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RateLimiter enforces per-(user, session) sliding windows over message
// timestamps: a per-second ceiling and a per-minute ceiling. Windows are
// pruned lazily on each check. Safe for concurrent use by multiple
// connections of the same user.
type RateLimiter struct {
	mu              sync.Mutex
	perSecond       int
	perMinute       int
	maxMessageBytes int
	windows         map[string][]time.Time
}

func NewRateLimiter(perSecond, perMinute, maxMessageBytes int) *RateLimiter {
	return &RateLimiter{
		perSecond:       perSecond,
		perMinute:       perMinute,
		maxMessageBytes: maxMessageBytes,
		windows:         make(map[string][]time.Time),
	}
}

func rateKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// CheckRate records one message against the user's windows. It returns a
// RejectError when either ceiling is exceeded; the message is then dropped
// without being counted.
func (rl *RateLimiter) CheckRate(userID, sessionID string) error {
	return rl.checkRateAt(userID, sessionID, time.Now())
}

func (rl *RateLimiter) checkRateAt(userID, sessionID string, now time.Time) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := rateKey(userID, sessionID)
	minuteAgo := now.Add(-time.Minute)
	secondAgo := now.Add(-time.Second)

	timestamps := rl.windows[key]

	// Prune everything older than the minute window.
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(minuteAgo) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rl.perMinute {
		rl.windows[key] = kept
		return reject(ErrRateLimited, "rate limit exceeded (per minute)")
	}

	recent := 0
	for _, ts := range kept {
		if ts.After(secondAgo) {
			recent++
		}
	}
	if recent >= rl.perSecond {
		rl.windows[key] = kept
		return reject(ErrRateLimited, "rate limit exceeded (per second)")
	}

	rl.windows[key] = append(kept, now)
	return nil
}

// CheckSize rejects payloads above the byte ceiling before any parsing.
func (rl *RateLimiter) CheckSize(payload []byte) error {
	if len(payload) > rl.maxMessageBytes {
		return reject(ErrValidation, "message exceeds maximum size of %d bytes", rl.maxMessageBytes)
	}
	return nil
}

// Reset drops all window state for a (user, session) pair.
func (rl *RateLimiter) Reset(userID, sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, rateKey(userID, sessionID))
}

// Injection patterns screened out of every payload. Matching is
// case-insensitive against the raw message text.
var threatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<\s*iframe`),
	regexp.MustCompile(`(?i)<\s*object`),
	regexp.MustCompile(`(?i)<\s*embed`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bexec\s*\(`),
}

const (
	// Messages at or above this size count toward the flood detector.
	largeMessageBytes = 50 * 1024
	// More large messages than this within a minute escalates to a block.
	largeMessageCeiling = 5
	// How long an escalated block lasts.
	blockDuration = 10 * time.Minute
)

// ThreatScreen performs heuristic payload screening: script/markup
// injection patterns and a per-user large-message flood detector that can
// escalate to a temporary block.
type ThreatScreen struct {
	mu           sync.Mutex
	largeSends   map[string][]time.Time
	blockedUntil map[string]time.Time
}

func NewThreatScreen() *ThreatScreen {
	return &ThreatScreen{
		largeSends:   make(map[string][]time.Time),
		blockedUntil: make(map[string]time.Time),
	}
}

// Screen checks a payload for injection patterns and flood behavior.
func (ts *ThreatScreen) Screen(userID string, payload []byte) error {
	if ts.IsBlocked(userID) {
		return reject(ErrRateLimited, "user temporarily blocked")
	}

	text := string(payload)
	lower := strings.ToLower(text)
	for _, pattern := range threatPatterns {
		if pattern.MatchString(lower) {
			log.Printf("threat screen: pattern %q matched for user %s", pattern.String(), userID)
			return reject(ErrValidation, "payload rejected by threat screen")
		}
	}

	if len(payload) >= largeMessageBytes {
		if ts.recordLargeSend(userID) {
			log.Printf("threat screen: large-message flood from user %s, blocking for %s", userID, blockDuration)
			return reject(ErrRateLimited, "large-message flood detected")
		}
	}

	return nil
}

// recordLargeSend tracks oversized sends within the last minute and blocks
// the user when the ceiling is crossed. Returns true when escalated.
func (ts *ThreatScreen) recordLargeSend(userID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	minuteAgo := now.Add(-time.Minute)

	kept := ts.largeSends[userID][:0]
	for _, t := range ts.largeSends[userID] {
		if t.After(minuteAgo) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	ts.largeSends[userID] = kept

	if len(kept) > largeMessageCeiling {
		ts.blockedUntil[userID] = now.Add(blockDuration)
		return true
	}
	return false
}

// IsBlocked reports whether the user is under a temporary block. Expired
// blocks are cleared on check.
func (ts *ThreatScreen) IsBlocked(userID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	until, ok := ts.blockedUntil[userID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(ts.blockedUntil, userID)
		return false
	}
	return true
}

// Block places a user under a temporary block.
func (ts *ThreatScreen) Block(userID string, d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.blockedUntil[userID] = time.Now().Add(d)
}

// Unblock lifts a block early.
func (ts *ThreatScreen) Unblock(userID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.blockedUntil, userID)
}

// Guard bundles the pre-routing checks in their fixed order:
// rate, then size, then schema (by the validator), then threat screen.
type Guard struct {
	Limiter *RateLimiter
	Screen  *ThreatScreen
}

func NewGuard(perSecond, perMinute, maxMessageBytes int) *Guard {
	return &Guard{
		Limiter: NewRateLimiter(perSecond, perMinute, maxMessageBytes),
		Screen:  NewThreatScreen(),
	}
}

func (g *Guard) String() string {
	return fmt.Sprintf("guard(rate=%d/s %d/min, max=%dB)",
		g.Limiter.perSecond, g.Limiter.perMinute, g.Limiter.maxMessageBytes)
}
