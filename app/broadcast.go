package app

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/metrics"
	"github.com/voyagelab/apimeter/ports"
)

// Stream message types understood by dashboard clients.
const (
	MsgUsageUpdate = "api_usage_update"
	MsgCostUpdate  = "cost_update"
)

// StreamMessage is the envelope fanned out to subscribers.
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Subscriber is one dashboard session's bounded outbox. The channel is
// closed on Unsubscribe; readers must treat a closed channel as
// session end.
type Subscriber struct {
	id  string
	out chan StreamMessage
}

// ID returns the subscriber's session ID.
func (s *Subscriber) ID() string { return s.id }

// Out returns the subscriber's message channel.
func (s *Subscriber) Out() <-chan StreamMessage { return s.out }

// Hub fans out usage and cost snapshots to subscribers. A slow
// subscriber loses its oldest queued snapshots, never the newest, and
// never delays publishers or other subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool

	outboxSize int
	idGen      ports.IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Collector // optional
}

// NewHub creates a broadcast hub. outboxSize bounds each subscriber's
// queue.
func NewHub(outboxSize int, idGen ports.IDGenerator, logger zerolog.Logger, m *metrics.Collector) *Hub {
	if outboxSize <= 0 {
		outboxSize = 16
	}
	return &Hub{
		subs:       make(map[string]*Subscriber),
		outboxSize: outboxSize,
		idGen:      idGen,
		logger:     logger,
		metrics:    m,
	}
}

// Subscribe registers a new dashboard session and returns its outbox.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		id:  h.idGen.New(),
		out: make(chan StreamMessage, h.outboxSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		return s
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(n))
	}
	h.logger.Debug().Str("subscriber", s.id).Int("subscribers", n).Msg("dashboard subscribed")
	return s
}

// Unsubscribe removes a session and closes its outbox. Safe to call
// more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	if ok {
		delete(h.subs, s.id)
		close(s.out)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(n))
	}
	h.logger.Debug().Str("subscriber", s.id).Int("subscribers", n).Msg("dashboard unsubscribed")
}

// SubscriberCount returns the number of connected sessions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishUsage fans out a usage update. Never blocks.
func (h *Hub) PublishUsage(u ports.UsageUpdate) {
	h.publish(StreamMessage{Type: MsgUsageUpdate, Data: u})
}

// PublishCost fans out a cost snapshot. Never blocks.
func (h *Hub) PublishCost(snapshot any) {
	h.publish(StreamMessage{Type: MsgCostUpdate, Data: snapshot})
}

func (h *Hub) publish(msg StreamMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		h.send(s, msg)
	}
}

// send enqueues without blocking. When the outbox is full the oldest
// queued message is dropped to make room for the newest.
func (h *Hub) send(s *Subscriber, msg StreamMessage) {
	for {
		select {
		case s.out <- msg:
			return
		default:
		}
		select {
		case <-s.out:
			if h.metrics != nil {
				h.metrics.BroadcastDrops.Inc()
			}
			h.logger.Debug().Str("subscriber", s.id).Msg("dropped stale snapshot for slow subscriber")
		default:
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.out)
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Set(0)
	}
}

// Ensure interface compliance.
var _ ports.Broadcaster = (*Hub)(nil)
