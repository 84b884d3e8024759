package wagering

import (
	"sync"

	"bonus_ledger/internal/bonus"
)

// NotificationHub fans progress snapshots out to per-player subscribers.
// Slow subscribers miss updates instead of blocking the ledger.
type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan bonus.Progress
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string][]chan bonus.Progress),
	}
}

// Subscribe registers a channel for playerID. The returned func removes and
// closes it.
func (h *NotificationHub) Subscribe(playerID string) (<-chan bonus.Progress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan bonus.Progress, 10)
	h.subscribers[playerID] = append(h.subscribers[playerID], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(playerID, ch) })
	}
}

func (h *NotificationHub) unsubscribe(playerID string, ch chan bonus.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[playerID]
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, playerID)
	} else {
		h.subscribers[playerID] = subs
	}
	close(ch)
}

func (h *NotificationHub) Notify(playerID string, update bonus.Progress) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[playerID] {
		select {
		case ch <- update:
		default:
			// full, drop
		}
	}
}

// Subscribers returns the number of open subscriptions for playerID.
func (h *NotificationHub) Subscribers(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[playerID])
}
