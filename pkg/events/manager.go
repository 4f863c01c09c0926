package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler receives one event of a subscribed session.
type Handler func(Event)

// Handlers is a dispatch table from event kind to handlers, run in order.
type Handlers map[Kind][]Handler

// Add appends a handler for kind and returns the table.
func (h Handlers) Add(kind Kind, fn Handler) Handlers {
	h[kind] = append(h[kind], fn)
	return h
}

// Manager owns one push connection to a server and multiplexes it across
// subscriptions. The connection is opened by the first subscriber and
// closed when the last one leaves; queue rooms are reference counted the
// same way. Events are filtered by session id before dispatch, so a
// subscriber only sees its own session.
type Manager struct {
	serverURL string
	dial      Dialer
	logger    *slog.Logger

	mu     sync.Mutex
	conn   Conn
	rooms  map[string]int
	subs   map[uint64]*Subscription
	nextID uint64

	// dispatchMu serializes handler invocations across transport goroutines.
	dispatchMu sync.Mutex
}

// NewManager creates a manager for serverURL. A nil dialer uses socket.io.
func NewManager(serverURL string, dial Dialer, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = DialSocketIO
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		serverURL: serverURL,
		dial:      dial,
		logger:    logger.With("component", "events", "server", serverURL),
		rooms:     make(map[string]int),
		subs:      make(map[uint64]*Subscription),
	}
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Manager)
)

// Shared returns the process-wide manager for serverURL, creating it on
// first use.
func Shared(serverURL string, logger *slog.Logger) *Manager {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if m, ok := shared[serverURL]; ok {
		return m
	}
	m := NewManager(serverURL, nil, logger)
	shared[serverURL] = m
	return m
}

// Subscription is one session's registration with a Manager.
type Subscription struct {
	m         *Manager
	id        uint64
	queueID   string
	sessionID string
	handlers  Handlers
	once      sync.Once
}

// SessionID returns the session this subscription listens to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Subscribe joins the queue room and routes events of sessionID to
// handlers. The connection is opened if this is the first subscription.
func (m *Manager) Subscribe(ctx context.Context, queueID, sessionID string, handlers Handlers) (*Subscription, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("subscribe: empty session id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		conn, err := m.dial(ctx, m.serverURL)
		if err != nil {
			return nil, fmt.Errorf("open event channel: %w", err)
		}
		m.attach(conn)
		m.conn = conn
		m.logger.Debug("event channel opened")
	}

	if m.rooms[queueID] == 0 {
		if err := m.conn.Emit("subscribe_queue", map[string]any{"queue_id": queueID}); err != nil {
			m.closeIfIdleLocked()
			return nil, fmt.Errorf("subscribe to queue %s: %w", queueID, err)
		}
		m.logger.Debug("joined queue room", "queue_id", queueID)
	}
	m.rooms[queueID]++

	m.nextID++
	sub := &Subscription{
		m:         m,
		id:        m.nextID,
		queueID:   queueID,
		sessionID: sessionID,
		handlers:  handlers,
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// Close unsubscribes. It leaves the queue room and closes the connection
// when this was the last user of either. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.m.unsubscribe(s)
	})
	return err
}

func (m *Manager) unsubscribe(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs, sub.id)

	var err error
	m.rooms[sub.queueID]--
	if m.rooms[sub.queueID] <= 0 {
		delete(m.rooms, sub.queueID)
		if m.conn != nil {
			err = m.conn.Emit("unsubscribe_queue", map[string]any{"queue_id": sub.queueID})
			m.logger.Debug("left queue room", "queue_id", sub.queueID)
		}
	}
	if cerr := m.closeIfIdleLocked(); err == nil {
		err = cerr
	}
	return err
}

func (m *Manager) closeIfIdleLocked() error {
	if len(m.subs) > 0 || m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	m.rooms = make(map[string]int)
	m.logger.Debug("event channel closed")
	return conn.Close()
}

// Active reports whether the connection is open and how many subscriptions
// share it.
func (m *Manager) Active() (open bool, subscribers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil, len(m.subs)
}

// attach registers the transport callbacks on a fresh connection.
func (m *Manager) attach(conn Conn) {
	for _, kind := range Kinds() {
		conn.On(string(kind), func(payload any) {
			m.dispatch(conn, kind, payload)
		})
	}
	// Rooms do not survive a reconnect.
	conn.On("connect", func(any) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.conn != conn {
			return
		}
		for queueID := range m.rooms {
			conn.Emit("subscribe_queue", map[string]any{"queue_id": queueID})
		}
	})
}

func (m *Manager) dispatch(conn Conn, kind Kind, payload any) {
	ev, err := Decode(kind, payload)
	if err != nil {
		m.logger.Warn("dropping undecodable event", "kind", kind, "error", err)
		return
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	var targets []Handler
	for _, sub := range m.subs {
		if sub.sessionID != ev.SessionID {
			continue
		}
		if ev.QueueID != "" && sub.queueID != ev.QueueID {
			continue
		}
		targets = append(targets, sub.handlers[kind]...)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	for _, h := range targets {
		h(ev)
	}
}
