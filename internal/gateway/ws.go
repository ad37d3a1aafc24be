package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chaz8081/birdbridge/internal/notify"
)

// wsClient is one browser subscribed to the notification stream.
type wsClient struct {
	ws        *websocket.Conn
	sendCh    chan notify.Event // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("[gateway] websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	c := &wsClient{
		ws:     ws,
		sendCh: make(chan notify.Event, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, c)
	s.logger.Info("[gateway] ws client connected", "conn_id", connID)

	go s.writeLoop(c)

	// The stream is one-way; CloseRead discards client frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(context.Background())
	select {
	case <-ctx.Done():
	case <-c.done:
	}

	c.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("[gateway] ws client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, ev)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

// broadcast queues event for every client. Slow clients drop events rather
// than block the bus.
func (s *Server) broadcast(_ context.Context, event notify.Event) {
	s.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		select {
		case c.sendCh <- event:
		default:
			s.logger.Warn("[gateway] dropped event for slow client", "kind", string(event.Kind))
		}
		return true
	})
}

func (s *Server) clientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close unsubscribes from the bus and closes every WebSocket client.
// Idempotent.
func (s *Server) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
}
