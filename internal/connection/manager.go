// Package connection owns the realtime Slack session and its lifecycle.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/homewatch/homewatch/internal/bus"
	"github.com/homewatch/homewatch/internal/store"
)

// State of the realtime connection.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// TokenPath is where the bot token lives. It is never read from the
// environment; the control API is the only writer.
var TokenPath = store.Path{"slack", "settings", "token"}

// ErrNoToken is returned by Connect when no token has been saved yet.
var ErrNoToken = errors.New("connection: no slack token configured")

// ErrNotConnected is returned for outbound operations without a live session.
var ErrNotConnected = errors.New("connection: not connected")

// Identity is the active user and team captured on a successful connect.
type Identity struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name"`
}

// ConversationKind selects a joined-conversation directory.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindGroup   ConversationKind = "group"
	KindDirect  ConversationKind = "direct"
)

// Conversation is one entry of a joined-conversation or user directory.
type Conversation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Upload describes an image attachment posted to a conversation.
type Upload struct {
	ConversationID string
	Filename       string
	Title          string
	Caption        string
	Body           io.Reader
	Size           int
}

// Chat is the outbound capability of a live session. The dispatcher and the
// notifier only ever see this interface; they never mutate connection state.
type Chat interface {
	PostMessage(ctx context.Context, conversationID, text string) error
	UploadImage(ctx context.Context, up Upload) error
	UserDisplayName(ctx context.Context, userID string) (string, error)
	Conversations(ctx context.Context, kind ConversationKind) ([]Conversation, error)
	Users(ctx context.Context) ([]Conversation, error)
}

// Session is one realtime chat session, scoped to a single Connect call.
// Open authenticates and returns the session identity; Run pumps inbound
// events until the context is cancelled or the remote side closes; Close is
// a best-effort shutdown.
type Session interface {
	Chat
	Open(ctx context.Context) (Identity, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// SessionFactory builds a session for a token. Swapped out in tests.
type SessionFactory func(token string, b *bus.Bus) Session

// Status is the side-effect-free view of the connection.
type Status struct {
	Connected bool     `json:"connected"`
	State     State    `json:"state"`
	Identity  Identity `json:"identity"`
}

const defaultCloseWait = 5 * time.Second

// Manager owns the single realtime session per process. Connect, Disconnect
// and Restart serialize on one mutex so two live sessions can never overlap,
// and a restart is one non-interleavable unit.
type Manager struct {
	store      *store.PrefixStore
	bus        *bus.Bus
	newSession SessionFactory
	closeWait  time.Duration
	log        *slog.Logger

	mu sync.Mutex // serializes lifecycle transitions

	stateMu  sync.RWMutex
	state    State
	sess     Session
	identity Identity

	stop context.CancelFunc
	done chan struct{}
}

// NewManager creates a disconnected manager.
func NewManager(st *store.PrefixStore, b *bus.Bus, factory SessionFactory) *Manager {
	return &Manager{
		store:      st,
		bus:        b,
		newSession: factory,
		closeWait:  defaultCloseWait,
		log:        slog.Default().With("component", "connection"),
		state:      StateDisconnected,
	}
}

// Connect reads the saved token and opens a session. A connect while not
// Disconnected is a no-op that still emits a notice. An empty or missing
// token fails this attempt only.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if st := m.currentState(); st != StateDisconnected {
		m.bus.PublishNotice(&bus.Notice{
			Kind:   bus.NoticeError,
			Reason: fmt.Sprintf("connect ignored: session is %s", st),
		})
		return nil
	}

	var token string
	err := m.store.Decode(TokenPath, &token)
	if errors.Is(err, store.ErrNotFound) || (err == nil && strings.TrimSpace(token) == "") {
		m.bus.PublishNotice(&bus.Notice{
			Kind:   bus.NoticeError,
			Reason: "no slack token configured; save a token before connecting",
		})
		return ErrNoToken
	}
	if err != nil {
		m.bus.PublishNotice(&bus.Notice{Kind: bus.NoticeError, Reason: err.Error()})
		return err
	}

	m.setState(StateConnecting, nil, Identity{})
	sess := m.newSession(strings.TrimSpace(token), m.bus)

	ident, err := sess.Open(ctx)
	if err != nil {
		m.setState(StateDisconnected, nil, Identity{})
		m.bus.PublishNotice(&bus.Notice{
			Kind:   bus.NoticeError,
			Reason: fmt.Sprintf("connect failed: %v", err),
		})
		return fmt.Errorf("connection: open session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stop = cancel
	m.done = done
	m.setState(StateConnected, sess, ident)
	m.bus.PublishNotice(&bus.Notice{
		Kind:     bus.NoticeOpened,
		UserID:   ident.UserID,
		UserName: ident.UserName,
		Team:     ident.TeamName,
	})
	m.log.Info("connected", "user", ident.UserName, "team", ident.TeamName)

	go func() {
		defer close(done)
		err := sess.Run(runCtx)
		if runCtx.Err() != nil {
			return // local disconnect in progress
		}
		m.remoteClosed(err)
	}()
	return nil
}

// remoteClosed handles the session ending without a local Disconnect call.
// Recovery is an explicit Restart; the manager never auto-retries.
func (m *Manager) remoteClosed(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentState() != StateConnected {
		return
	}
	reason := "connection closed by remote"
	if cause != nil {
		reason = cause.Error()
	}
	m.stop = nil
	m.done = nil
	m.setState(StateDisconnected, nil, Identity{})
	m.bus.PublishNotice(&bus.Notice{Kind: bus.NoticeClosed, Reason: reason})
	m.log.Warn("session ended", "reason", reason)
}

// Disconnect closes the session. Waiting for close confirmation is bounded;
// on timeout local state is forced to Disconnected so a stuck remote session
// never wedges the manager. Disconnecting while already Disconnected is a
// no-op that still emits a notice.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked(ctx)
}

func (m *Manager) disconnectLocked(ctx context.Context) error {
	if m.currentState() == StateDisconnected {
		m.bus.PublishNotice(&bus.Notice{Kind: bus.NoticeClosed, Reason: "already disconnected"})
		return nil
	}

	sess := m.currentSession()
	m.setState(StateDisconnecting, sess, m.CurrentIdentity())
	if m.stop != nil {
		m.stop()
	}

	reason := "disconnected"
	if sess != nil {
		closeCtx, cancel := context.WithTimeout(ctx, m.closeWait)
		if err := sess.Close(closeCtx); err != nil {
			reason = fmt.Sprintf("disconnected (close error: %v)", err)
		}
		cancel()
	}
	if m.done != nil {
		select {
		case <-m.done:
		case <-time.After(m.closeWait):
			reason = "disconnected (close confirmation timed out, state forced)"
		}
	}

	m.stop = nil
	m.done = nil
	m.setState(StateDisconnected, nil, Identity{})
	m.bus.PublishNotice(&bus.Notice{Kind: bus.NoticeClosed, Reason: reason})
	m.log.Info("disconnected", "reason", reason)
	return nil
}

// Restart performs disconnect-then-connect as one unit, re-reading the token
// from the store. Concurrent lifecycle calls queue behind it.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.disconnectLocked(ctx); err != nil {
		return err
	}
	return m.connectLocked(ctx)
}

// Status is a pure read of the current state.
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return Status{
		Connected: m.state == StateConnected,
		State:     m.state,
		Identity:  m.identity,
	}
}

// CurrentIdentity returns the identity captured on connect, zero when
// disconnected.
func (m *Manager) CurrentIdentity() Identity {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.identity
}

// Chat returns the outbound capability of the live session.
func (m *Manager) Chat() (Chat, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != StateConnected || m.sess == nil {
		return nil, ErrNotConnected
	}
	return m.sess, nil
}

// JoinedConversations lists the joined directory of the given kind. The
// result is ephemeral platform state, never persisted.
func (m *Manager) JoinedConversations(ctx context.Context, kind ConversationKind) ([]Conversation, error) {
	chat, err := m.Chat()
	if err != nil {
		return nil, err
	}
	return chat.Conversations(ctx, kind)
}

func (m *Manager) currentState() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) currentSession() Session {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.sess
}

func (m *Manager) setState(st State, sess Session, ident Identity) {
	m.stateMu.Lock()
	m.state = st
	m.sess = sess
	m.identity = ident
	m.stateMu.Unlock()
}
