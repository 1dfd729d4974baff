package ws

import (
	"errors"
	"testing"
)

type stubSubscriber struct {
	sent    [][]byte
	sendErr error
	closed  bool
}

func (s *stubSubscriber) Send(payload []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *stubSubscriber) Close() { s.closed = true }

func TestHubPoolsAreIsolated(t *testing.T) {
	hub := NewHub(nil)
	device := &stubSubscriber{}
	observer := &stubSubscriber{}
	hub.Join(PoolDevice, device)
	hub.Join(PoolObserver, observer)

	hub.Broadcast(PoolObserver, []byte("telemetry"))

	if len(device.sent) != 0 {
		t.Fatalf("device pool received an observer broadcast")
	}
	if len(observer.sent) != 1 || string(observer.sent[0]) != "telemetry" {
		t.Fatalf("observer did not receive broadcast: %v", observer.sent)
	}
}

func TestHubBroadcastToleratesDeadClients(t *testing.T) {
	hub := NewHub(nil)
	alive := make([]*stubSubscriber, 3)
	for i := range alive {
		alive[i] = &stubSubscriber{}
		hub.Join(PoolObserver, alive[i])
	}
	dead := &stubSubscriber{sendErr: errors.New("connection reset")}
	deadHandle := hub.Join(PoolObserver, dead)

	results := hub.Broadcast(PoolObserver, []byte("m"))

	if len(results) != 4 {
		t.Fatalf("expected 4 delivery attempts, got %d", len(results))
	}
	failures := 0
	for _, res := range results {
		if res.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly 1 failure, got %d", failures)
	}
	for i, sub := range alive {
		if len(sub.sent) != 1 {
			t.Fatalf("live client %d missed the broadcast", i)
		}
	}
	// Broadcast itself must not mutate membership.
	if hub.Count(PoolObserver) != 4 {
		t.Fatalf("broadcast evicted a client, count %d", hub.Count(PoolObserver))
	}

	hub.Leave(PoolObserver, deadHandle)
	if hub.Count(PoolObserver) != 3 {
		t.Fatalf("leave did not remove handle, count %d", hub.Count(PoolObserver))
	}
	if results = hub.Broadcast(PoolObserver, []byte("n")); len(results) != 3 {
		t.Fatalf("expected 3 attempts after removal, got %d", len(results))
	}
}

func TestHubBroadcastEmptyPool(t *testing.T) {
	hub := NewHub(nil)
	if results := hub.Broadcast(PoolDevice, []byte("ftp-fetch")); results != nil {
		t.Fatalf("expected nil results for empty pool, got %v", results)
	}
}
