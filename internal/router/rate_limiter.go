package router

import (
	"sync"
	"time"
)

// RateLimiter implements per-participant fixed window rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with proper cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*clientWindow
}

type clientWindow struct {
	count int
	start time.Time
}

// NewRateLimiter allows limit commands per window for each participant.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// Allow records one command from userID and reports whether it is within the limit.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[userID]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.clients[userID] = &clientWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops windows idle for five window lengths. Called periodically by the hub.
func (rl *RateLimiter) Cleanup() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, w := range rl.clients {
		if now.Sub(w.start) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

// Tracked returns how many participants currently have a window.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
