package live

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A subscriber that stops reading must be disconnected once its buffer
// fills, while every other subscriber keeps receiving the full stream.
func TestBroadcast_SlowClientDisconnectedOthersKeepStream(t *testing.T) {
	h := NewHub(discardLogger(), 2)

	slow := h.register("slow")
	fast := h.register("fast")
	if got := h.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}

	// Drain the fast client the way its write pump would; never read slow.
	var mu sync.Mutex
	var received [][]byte
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for raw := range fast.send {
			mu.Lock()
			received = append(received, raw)
			mu.Unlock()
		}
	}()

	for i := 0; i < 10; i++ {
		h.Broadcast(map[string]int{"seq": i})
	}

	// The slow client's two-slot buffer fills on the third frame and the hub
	// drops it; it never blocks or loses frames for the fast client.
	if got := h.ClientCount(); got != 1 {
		t.Errorf("ClientCount after overflow = %d, want 1", got)
	}
	if _, stillThere := h.clients.Load("slow"); stillThere {
		t.Error("slow client still registered after overflow")
	}
	// The frames queued before the overflow are still readable, then the
	// channel must be closed so the write pump exits.
	queued := 0
	for range slow.send {
		queued++
	}
	if queued > 2 {
		t.Errorf("slow client drained %d frames, more than its buffer holds", queued)
	}

	h.Broadcast(map[string]string{"final": "frame"})
	h.Close()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("fast client drain never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 11 {
		t.Errorf("fast client received %d frames, want all 11", len(received))
	}
}
