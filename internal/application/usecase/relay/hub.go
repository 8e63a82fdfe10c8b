package relay

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/domain"
)

// Subscriber is a connected downstream client. Send must not block; an
// error means the client can no longer keep up and will be dropped.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Replayer is implemented by subscribers that accept the connect-time
// snapshot as a single batch outside their live send buffer.
type Replayer interface {
	Replay(msgs [][]byte) error
}

// Hub owns the latest price table and fans updates out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber
	latest map[string]domain.NormalizedUpdate
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]Subscriber),
		latest: make(map[string]domain.NormalizedUpdate),
	}
}

// Publish records u as the latest price and sends it to every subscriber.
func (h *Hub) Publish(u domain.NormalizedUpdate) {
	msg, err := json.Marshal(domain.NewPriceMessage(u))
	if err != nil {
		log.Error().Err(err).Str("symbol", u.Symbol).Msg("encode update")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[u.Symbol] = u
	for id, s := range h.subs {
		if err := s.Send(msg); err != nil {
			delete(h.subs, id)
			_ = s.Close()
			log.Debug().Err(err).Str("subscriber", id).Msg("subscriber dropped")
		}
	}
}

// Connect replays the latest price of every known instrument to s and then
// registers it for live updates. Nothing published in between is missed.
func (h *Hub) Connect(s Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := make([][]byte, 0, len(h.latest))
	for _, name := range sortedKeys(h.latest) {
		msg, err := json.Marshal(domain.NewPriceMessage(h.latest[name]))
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	if r, ok := s.(Replayer); ok {
		if err := r.Replay(msgs); err != nil {
			return err
		}
	} else {
		for _, msg := range msgs {
			if err := s.Send(msg); err != nil {
				return err
			}
		}
	}
	h.subs[s.ID()] = s
	return nil
}

func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Remove forgets the latest price of a deleted instrument.
func (h *Hub) Remove(name string) {
	h.mu.Lock()
	delete(h.latest, domain.NormalizeName(name))
	h.mu.Unlock()
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Latest(name string) (domain.NormalizedUpdate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.latest[domain.NormalizeName(name)]
	return u, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.latest)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		_ = s.Close()
		delete(h.subs, id)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
