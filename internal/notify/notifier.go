// Package notify delivers unsolicited messages to a configured default
// recipient and keeps a bounded activity log of connection lifecycle events.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/homewatch/homewatch/internal/bus"
	"github.com/homewatch/homewatch/internal/connection"
	"github.com/homewatch/homewatch/internal/store"
)

// Persisted notify-target keys. All three are written together by
// SaveTarget so they can never disagree.
var (
	TargetNamePath = store.Path{"slack", "settings", "notify"}
	TargetKindPath = store.Path{"slack", "settings", "notifyType"}
	TargetIDPath   = store.Path{"slack", "settings", "notifyId"}
)

// ActivityPrefix holds the lifecycle log, one entry per notice keyed by
// millisecond timestamp, trimmed to the newest activityKeep entries.
var ActivityPrefix = store.Path{"slack", "activity"}

const activityKeep = 5

// ErrNoTarget means no notify target has been saved yet. Callers treat it
// as "nothing to do", not as a failure.
var ErrNoTarget = errors.New("notify: no target configured")

// Line exposes the live chat surface; *connection.Manager satisfies it.
type Line interface {
	Chat() (connection.Chat, error)
}

// Notifier resolves and persists the default notification recipient and
// fans lifecycle notices out to it, to the activity log, and optionally to
// a Kafka topic.
type Notifier struct {
	store  *store.PrefixStore
	line   Line
	mirror *Mirror
	log    *slog.Logger
	now    func() time.Time
}

func NewNotifier(st *store.PrefixStore, line Line, mirror *Mirror) *Notifier {
	return &Notifier{
		store:  st,
		line:   line,
		mirror: mirror,
		log:    slog.Default().With("component", "notify"),
		now:    time.Now,
	}
}

// SaveTarget resolves name against the live directory for the given kind
// and persists name, kind and the resolved id. The id is resolved now, not
// at send time, so a renamed or deleted recipient surfaces as a stale
// target on the next Send rather than silently pointing elsewhere.
func (n *Notifier) SaveTarget(ctx context.Context, name string, kind connection.ConversationKind) error {
	chat, err := n.line.Chat()
	if err != nil {
		return fmt.Errorf("notify: resolve target: %w", err)
	}

	var entries []connection.Conversation
	if kind == connection.KindDirect {
		entries, err = chat.Users(ctx)
	} else {
		entries, err = chat.Conversations(ctx, kind)
	}
	if err != nil {
		return fmt.Errorf("notify: read %s directory: %w", kind, err)
	}

	id := ""
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			id = e.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("notify: no %s named %q", kind, name)
	}

	if err := n.store.Put(TargetNamePath, name); err != nil {
		return err
	}
	if err := n.store.Put(TargetKindPath, string(kind)); err != nil {
		return err
	}
	if err := n.store.Put(TargetIDPath, id); err != nil {
		return err
	}
	n.log.Info("notify target saved", "name", name, "kind", kind, "id", id)
	return nil
}

// Send posts text to the saved target. ErrNoTarget when none is saved; a
// stale target (saved id no longer reachable) is an error for the caller
// to report, never a reason to crash.
func (n *Notifier) Send(ctx context.Context, text string) error {
	var id string
	err := n.store.Decode(TargetIDPath, &id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && id == "") {
		return ErrNoTarget
	}
	if err != nil {
		return fmt.Errorf("notify: read target: %w", err)
	}
	chat, err := n.line.Chat()
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := chat.PostMessage(ctx, id, text); err != nil {
		return fmt.Errorf("notify: send to %s: %w", id, err)
	}
	return nil
}

// activityEntry is what gets persisted per lifecycle notice.
type activityEntry struct {
	Kind     string    `json:"kind"`
	UserName string    `json:"userName,omitempty"`
	Team     string    `json:"team,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// HandleNotice records one lifecycle notice in the activity log, mirrors it
// to Kafka when configured, and tells the notify target about opens and
// closes. Every failure is logged and swallowed; a notice handler must
// never take the publisher down.
func (n *Notifier) HandleNotice(notice *bus.Notice) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.recordActivity(notice); err != nil {
		n.log.Error("activity log write failed", "error", err)
	}
	if err := n.mirror.Publish(ctx, notice); err != nil {
		n.log.Error("kafka mirror failed", "error", err)
	}

	text := noticeText(notice)
	if text == "" {
		return
	}
	if err := n.Send(ctx, text); err != nil && !errors.Is(err, ErrNoTarget) {
		n.log.Warn("notify target unreachable", "error", err)
	}
}

func (n *Notifier) recordActivity(notice *bus.Notice) error {
	at := notice.At
	if at.IsZero() {
		at = n.now()
	}
	path := append(append(store.Path{}, ActivityPrefix...), strconv.FormatInt(at.UnixMilli(), 10))
	entry := activityEntry{
		Kind:     string(notice.Kind),
		UserName: notice.UserName,
		Team:     notice.Team,
		Reason:   notice.Reason,
		At:       at,
	}
	if err := n.store.Put(path, entry); err != nil {
		return err
	}
	return n.store.Trim(ActivityPrefix, activityKeep)
}

func noticeText(notice *bus.Notice) string {
	switch notice.Kind {
	case bus.NoticeOpened:
		return fmt.Sprintf("connected to slack as %s (%s)", notice.UserName, notice.Team)
	case bus.NoticeClosed:
		return "slack connection closed: " + notice.Reason
	case bus.NoticeError:
		return "slack connection problem: " + notice.Reason
	default:
		return ""
	}
}
