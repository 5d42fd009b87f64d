package websocket

import (
	"errors"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
)

// sendQueueSize bounds the frames waiting for a slow client
const sendQueueSize = 256

var (
	errQueueFull        = errors.New("send queue full")
	errConnectionClosed = errors.New("connection closed")
)

// connection owns the outbound queue of one client. Every frame goes through
// the queue so the socket only ever has a single writer.
type connection struct {
	id   string
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newConnection(id string, ws *websocket.Conn) *connection {
	return &connection{
		id:   id,
		ws:   ws,
		out:  make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Deliver queues a subscription event without blocking the broadcaster
func (c *connection) Deliver(subscriptionID string, ev *events.Event) error {
	frame, err := json.Marshal(nostr.EventEnvelope{SubscriptionID: &subscriptionID, Event: ev.Event})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// send queues a direct reply, waiting for room unless the connection closes
func (c *connection) send(msg interface{}) {
	frame, err := json.Marshal(msg)
	if err != nil {
		logging.Errorf("Couldn't marshal websocket message: %v", err)
		return
	}

	select {
	case c.out <- frame:
	case <-c.done:
	}
}

// writeLoop drains the queue onto the socket until the connection closes
func (c *connection) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isConnectionClosedError(err) {
					logging.Infof("Error writing to connection %s: %v", c.id, err)
				}
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}
