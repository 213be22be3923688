// Package notify pushes job outcomes to interested parties. The
// Broadcaster fans results out to websocket clients (the front-desk
// dashboard), and LogSink records them in the component log.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanuri/parkpass/pkg/logging"
	"github.com/hanuri/parkpass/pkg/portal"
)

// ResultEvent is the wire form of a finished job pushed to clients.
type ResultEvent struct {
	VehicleID  string    `json:"vehicle_id"`
	ContactRef string    `json:"contact_ref,omitempty"`
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	FeeBefore  int       `json:"fee_before"`
	FeeAfter   int       `json:"fee_after"`
	At         time.Time `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan ResultEvent
}

// Broadcaster fans job results out to connected websocket clients.
// Slow clients are dropped rather than allowed to stall the rest.
type Broadcaster struct {
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
}

func NewBroadcaster() *Broadcaster {
	log, _ := logging.NewLogger("notify")
	return &Broadcaster{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]bool),
	}
}

// HandleWebSocket upgrades the request and registers the connection
// for result delivery.
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan ResultEvent, 32),
	}

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	b.log.Infof("websocket client connected from %s", r.RemoteAddr)

	go b.writePump(c)
	go b.readPump(c)
}

// OnJobResult implements scheduler.ResultSink.
func (b *Broadcaster) OnJobResult(vehicleID, contactRef string, res portal.Result) {
	event := ResultEvent{
		VehicleID:  vehicleID,
		ContactRef: contactRef,
		Code:       int(res.Code),
		Message:    res.Message,
		FeeBefore:  res.FeeBefore,
		FeeAfter:   res.FeeAfter,
		At:         time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- event:
		default:
			// Backed-up client: cut it loose.
			b.log.Warnf("dropping slow websocket client")
			delete(b.clients, c)
			close(c.send)
		}
	}
}

// ClientCount reports the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(event); err != nil {
				b.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.remove(c)
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close messages are
// processed; clients are not expected to send anything else.
func (b *Broadcaster) readPump(c *client) {
	defer func() {
		b.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[c] {
		delete(b.clients, c)
		close(c.send)
	}
}

// LogSink records job results in the component log.
type LogSink struct {
	log *logging.Logger
}

func NewLogSink() *LogSink {
	log, _ := logging.NewLogger("results")
	return &LogSink{log: log}
}

// OnJobResult implements scheduler.ResultSink.
func (s *LogSink) OnJobResult(vehicleID, contactRef string, res portal.Result) {
	if res.Err != nil {
		s.log.Errorf("vehicle %s (%s): %s - %s: %v",
			vehicleID, contactRef, res.Code, res.Message, res.Err)
		return
	}
	s.log.Infof("vehicle %s (%s): %s - %s", vehicleID, contactRef, res.Code, res.Message)
}
