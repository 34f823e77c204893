// Package notify delivers session updates to subscribers: an in-process SSE
// hub and a webhook sink. Delivery is best-effort and never blocks the
// session store's mutation path.
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kokukuma/openid4vp-verifier/verifier"
)

const subscriberBuffer = 16

// Hub fans session updates out to per-session subscribers over buffered
// channels. A slow subscriber loses updates instead of blocking the store.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan verifier.SessionUpdate]struct{}

	log *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[string]map[chan verifier.SessionUpdate]struct{}{},
		log:         logrus.WithField("component", "sse-hub"),
	}
}

// Subscribe registers for updates of one session. The returned cancel
// function drops the subscription and closes the channel.
func (h *Hub) Subscribe(target string) (<-chan verifier.SessionUpdate, func()) {
	ch := make(chan verifier.SessionUpdate, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[target] == nil {
		h.subscribers[target] = map[chan verifier.SessionUpdate]struct{}{}
	}
	h.subscribers[target][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[target]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subscribers, target)
			}
		}
	}
	return ch, cancel
}

func (h *Hub) Notify(_ context.Context, update verifier.SessionUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[update.Target] {
		select {
		case ch <- update:
		default:
			h.log.WithFields(logrus.Fields{
				"target": update.Target,
				"event":  update.Event,
			}).Warn("dropping update for slow subscriber")
		}
	}
}
