package realtime

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"valetdrive/internal/booking"
)

// StreamServer bridges websocket connections onto the hub. Each open
// connection holds exactly one registry entry for its lifetime; transport
// disconnects and write failures converge on the same unsubscribe path.
type StreamServer struct {
	hub       *Hub
	store     *booking.Store
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewStreamServer(hub *Hub, store *booking.Store, heartbeat time.Duration) *StreamServer {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamServer{
		hub:       hub,
		store:     store,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// wsSink serializes writes to one connection; gorilla permits a single
// concurrent writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(e)
}

// ServeBooking upgrades the request and runs the subscription protocol:
// a connected acknowledgement, one current-state snapshot, then the live
// stream, with heartbeats keeping intermediaries from dropping the link.
func (s *StreamServer) ServeBooking(w http.ResponseWriter, r *http.Request, bookingID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: ws upgrade failed: %v", err)
		return
	}
	sink := &wsSink{conn: conn}

	// Holding the sink's write lock across subscribe + snapshot keeps a
	// concurrent Notify from slipping an update in front of the snapshot.
	sink.mu.Lock()
	unsubscribe := s.hub.Subscribe(bookingID, sink)
	cleanup := func() {
		unsubscribe()
		conn.Close()
	}

	snap, ok := s.store.Get(bookingID)
	if !ok {
		sink.mu.Unlock()
		cleanup()
		return
	}
	if err := conn.WriteJSON(Envelope{Type: "connected", At: time.Now()}); err != nil {
		sink.mu.Unlock()
		cleanup()
		return
	}
	if err := conn.WriteJSON(s.hub.envelope(snap, "snapshot")); err != nil {
		sink.mu.Unlock()
		cleanup()
		return
	}
	sink.mu.Unlock()

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sink.Send(Envelope{Type: "heartbeat", At: time.Now()}); err != nil {
					cleanup()
					return
				}
			}
		}
	}()

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cleanup()
				return
			}
		}
	}()
}
