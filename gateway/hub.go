package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/toolbridge/rpc"
)

// Event is a worker notification as sent to websocket subscribers.
type Event struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Time    time.Time       `json:"time"`
}

const subscriberBuffer = 64

// Hub fans worker notifications out to subscribers, which can come and go at any time.
// Publish never blocks, because it runs on a bridge's reader goroutine. A subscriber that falls behind misses events.
type Hub struct {
	m    sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

type Subscriber struct {
	service string
	ch      chan Event
	dropped atomic.Int64
}

// Events delivers the subscriber's events.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the subscriber was not keeping up.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*Subscriber]struct{}{}}
}

func (h *Hub) Add(service string) *Subscriber {
	h.m.Lock()
	defer h.m.Unlock()
	s := &Subscriber{service: service, ch: make(chan Event, subscriberBuffer)}
	if h.subs[service] == nil {
		h.subs[service] = map[*Subscriber]struct{}{}
	}
	h.subs[service][s] = struct{}{}
	return s
}

func (h *Hub) Remove(s *Subscriber) {
	h.m.Lock()
	defer h.m.Unlock()
	delete(h.subs[s.service], s)
	if len(h.subs[s.service]) == 0 {
		delete(h.subs, s.service)
	}
}

// Publish has the signature of service.NotificationHandler.
func (h *Hub) Publish(service string, n rpc.Notification) {
	ev := Event{Service: service, Method: n.Method, Params: n.Params, Time: time.Now().UTC()}

	h.m.Lock()
	defer h.m.Unlock()
	for s := range h.subs[service] {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of subscribers of a service.
func (h *Hub) Subscribers(service string) int {
	h.m.Lock()
	defer h.m.Unlock()
	return len(h.subs[service])
}
