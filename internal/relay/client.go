package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxEventSize = 64 * 1024
	sendBufSize  = 256
)

// Client is one subscriber connection on a topic.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan feed.Event
	topic   string
	limiter *rate.Limiter

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, topic string, eventsPerSec, burst int) *Client {
	if eventsPerSec <= 0 {
		eventsPerSec = 20
	}
	if burst <= 0 {
		burst = eventsPerSec * 2
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan feed.Event, sendBufSize),
		topic:   topic,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSec), burst),
		done:    make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxEventSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("relay read deadline topic=%s: %v", c.topic, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("relay read topic=%s: %v", c.topic, err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		if !c.limiter.Allow() {
			// Shed cooperative-signal floods silently; they are lossy anyway.
			continue
		}

		var ev feed.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("relay decode topic=%s: %v", c.topic, err)
			continue
		}
		c.hub.HandleEvent(c, ev)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("relay close message topic=%s: %v", c.topic, err)
			}
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("relay write deadline topic=%s: %v", c.topic, err)
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("relay write deadline topic=%s: %v", c.topic, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
