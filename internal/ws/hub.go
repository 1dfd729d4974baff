package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Pool names a client group. Device and observer pools are disjoint: commands
// go to devices, telemetry and alerts go to observers, never across.
type Pool string

const (
	PoolDevice   Pool = "device"
	PoolObserver Pool = "observer"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Handle tags a pooled subscriber with an identity used for logging and
// removal.
type Handle struct {
	ID  string
	sub Subscriber
}

// Hub owns the device and observer pools and performs best-effort fan-out.
type Hub struct {
	mu     sync.RWMutex
	pools  map[Pool]map[*Handle]struct{}
	logger *slog.Logger
}

// SendResult reports one delivery attempt of a broadcast.
type SendResult struct {
	ClientID string
	Err      error
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		pools: map[Pool]map[*Handle]struct{}{
			PoolDevice:   make(map[*Handle]struct{}),
			PoolObserver: make(map[*Handle]struct{}),
		},
		logger: logger,
	}
}

// Join adds a subscriber to a pool and returns its handle.
func (h *Hub) Join(pool Pool, sub Subscriber) *Handle {
	handle := &Handle{ID: uuid.NewString(), sub: sub}
	h.mu.Lock()
	h.pools[pool][handle] = struct{}{}
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("client joined", "pool", string(pool), "client_id", handle.ID)
	}
	return handle
}

// Leave removes a handle from its pool. Removing an absent handle is a no-op,
// so the connection lifecycle can call it unconditionally.
func (h *Hub) Leave(pool Pool, handle *Handle) {
	h.mu.Lock()
	delete(h.pools[pool], handle)
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("client left", "pool", string(pool), "client_id", handle.ID)
	}
}

// Count reports current pool membership.
func (h *Hub) Count(pool Pool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pools[pool])
}

// Broadcast delivers payload to every member of the pool concurrently and
// collects the per-client outcomes. Membership is snapshotted before any send,
// and a failing client is never evicted here: its own read loop owns removal.
func (h *Hub) Broadcast(pool Pool, payload []byte) []SendResult {
	h.mu.RLock()
	members := make([]*Handle, 0, len(h.pools[pool]))
	for handle := range h.pools[pool] {
		members = append(members, handle)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return nil
	}

	results := make([]SendResult, len(members))
	var wg sync.WaitGroup
	for i, handle := range members {
		wg.Add(1)
		go func(i int, handle *Handle) {
			defer wg.Done()
			results[i] = SendResult{ClientID: handle.ID, Err: handle.sub.Send(payload)}
		}(i, handle)
	}
	wg.Wait()

	if h.logger != nil {
		for _, res := range results {
			if res.Err != nil {
				h.logger.Warn("broadcast delivery failed", "pool", string(pool), "client_id", res.ClientID, "error", res.Err)
			}
		}
	}
	return results
}
