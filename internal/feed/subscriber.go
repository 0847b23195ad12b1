// Package feed manages the push-feed subscription for one channel topic:
// connect, receive, resubscribe on transport loss, teardown. Delivery is
// at-most-once across reconnects; events published while disconnected are
// gone, and the session resynchronizes with a fresh historical load.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateDown means the resubscribe budget is exhausted; only Close or
	// Redial leaves it.
	StateDown   State = "down"
	StateClosed State = "closed"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	maxEventSize = 64 * 1024
	maxBackoff   = 10 * time.Second
)

// Topic returns the per-channel topic name.
func Topic(channelID string) string { return "channel_" + channelID }

// Options configures a Subscriber. OnEvent is the single sink every decoded
// event goes through; it runs on the pump goroutine.
type Options struct {
	URL       string // websocket endpoint, e.g. ws://host/ws
	ChannelID string
	OnEvent   func(Event)
	OnState   func(State) // optional transition observer
	// MaxAttempts bounds consecutive failed dials before giving up (StateDown).
	MaxAttempts int
	BaseDelay   time.Duration
	Dialer      *websocket.Dialer
}

// Subscriber owns one channel-topic subscription.
// Lifecycle: NewSubscriber -> Start -> (events via OnEvent) -> Close.
type Subscriber struct {
	url         string
	channelID   string
	onEvent     func(Event)
	onState     func(State)
	maxAttempts int
	baseDelay   time.Duration
	dialer      *websocket.Dialer

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	cancel context.CancelFunc
	redial chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewSubscriber(opts Options) *Subscriber {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 250 * time.Millisecond
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Subscriber{
		url:         opts.URL,
		channelID:   opts.ChannelID,
		onEvent:     opts.OnEvent,
		onState:     opts.OnState,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		dialer:      opts.Dialer,
		state:       StateDisconnected,
		redial:      make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the subscription loop. Call at most once.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Close tears the subscription down deterministically from any state and
// waits for the pump goroutine to exit. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		if s.conn != nil {
			// Unblocks a pump stuck in ReadMessage.
			s.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.setState(StateClosed)
	})
}

// Redial asks a downed subscriber to try again with a fresh attempt budget.
// No-op in any other state.
func (s *Subscriber) Redial() {
	if s.State() != StateDown {
		return
	}
	select {
	case s.redial <- struct{}{}:
	default:
	}
}

// Publish writes a cooperative signal (typing, reaction, thread reply) to the
// feed. While not connected it is a silent drop: these signals are lossy by
// design and never queued.
func (s *Subscriber) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil {
		return
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Errorf("feed publish deadline channel=%s: %v", s.channelID, err)
		return
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		logger.Errorf("feed publish channel=%s: %v", s.channelID, err)
	}
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()
	attempts := 0
	delay := s.baseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			attempts++
			logger.Errorf("feed dial channel=%s attempt=%d: %v", s.channelID, attempts, err)
			if attempts >= s.maxAttempts {
				s.setState(StateDown)
				// Park until Close or an explicit Redial.
				select {
				case <-ctx.Done():
					return
				case <-s.redial:
					attempts = 0
					delay = s.baseDelay
					continue
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}

		attempts = 0
		delay = s.baseDelay
		s.setConn(conn)
		s.setState(StateConnected)
		s.readPump(ctx, conn)
		s.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		// Lost connection: back to connecting, never terminal.
		s.setState(StateDisconnected)
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url+"?topic="+Topic(s.channelID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readPump receives events until the transport signals closure. Disconnect
// detection is the read error itself, not a poll.
func (s *Subscriber) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxEventSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("feed read deadline channel=%s: %v", s.channelID, err)
		return
	}
	conn.SetPingHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("feed read channel=%s: %v", s.channelID, err)
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("feed decode channel=%s: %v", s.channelID, err)
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

func (s *Subscriber) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}
