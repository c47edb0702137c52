package models

import (
	"sync"
	"time"
)

// CooldownManager remembers when each user last triggered an action and
// reports how long they still have to wait
type CooldownManager struct {
	users    map[string]time.Time
	cooldown time.Duration
	mu       sync.RWMutex
	now      func() time.Time
}

// NewCooldownManager creates a cooldown list; a zero cooldown disables it
func NewCooldownManager(cooldown time.Duration) *CooldownManager {
	return &CooldownManager{
		users:    make(map[string]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Touch starts the cooldown for a user
func (c *CooldownManager) Touch(userID string) {
	if c.cooldown <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.users[userID] = c.now().Add(c.cooldown)
}

// Remove clears a user's cooldown
func (c *CooldownManager) Remove(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.users, userID)
}

// Remaining returns how long the user must still wait, zero if none
func (c *CooldownManager) Remaining(userID string) time.Duration {
	c.mu.RLock()
	expiry, exists := c.users[userID]
	c.mu.RUnlock()

	if !exists {
		return 0
	}

	left := expiry.Sub(c.now())
	if left <= 0 {
		c.Remove(userID)
		return 0
	}
	return left
}

// Cleanup drops expired entries; call it periodically
func (c *CooldownManager) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for userID, expiry := range c.users {
		if now.After(expiry) {
			delete(c.users, userID)
			removed++
		}
	}
	return removed
}

// SetClock replaces the time source, for tests
func (c *CooldownManager) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
