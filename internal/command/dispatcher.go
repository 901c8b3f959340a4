package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/homewatch/homewatch/internal/bus"
	"github.com/homewatch/homewatch/internal/connection"
	"github.com/homewatch/homewatch/internal/store"
)

// SnapshotPrefix is the retention-free group holding configured camera
// snapshots, one entry per camera name.
var SnapshotPrefix = store.Path{"motion", "snapshot"}

// Snapshot is a configured camera: a human name and the URL serving its
// current still image.
type Snapshot struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Line is the dispatcher's view of the live connection: who the bot is and
// a chat surface to answer through. *connection.Manager satisfies it.
type Line interface {
	CurrentIdentity() connection.Identity
	Chat() (connection.Chat, error)
}

// wake words that address the bot without naming it; the command keywords
// themselves count, so "snapshot list" works without a mention
var wakeWords = []string{"bot", "get", "snapshot", "camera"}

var (
	listPattern     = regexp.MustCompile(`(?i)\b(?:snapshot|camera)\s+list\b`)
	snapshotPattern = regexp.MustCompile(`(?i)snapshot`)
)

// Dispatcher consumes inbound chat messages and answers the ones addressed
// to the bot. Rules are an ordered table evaluated top to bottom; the first
// match wins, so the specific "snapshot list" rule sits above the bare
// "snapshot" rule and the greeting is a catch-all.
type Dispatcher struct {
	store *store.PrefixStore
	bus   *bus.Bus
	line  Line
	http  *http.Client
	log   *slog.Logger
	now   func() time.Time
	rules []rule
}

type rule struct {
	name  string
	match func(text string) bool
	run   func(ctx context.Context, chat connection.Chat, msg *bus.Message) error
}

func NewDispatcher(st *store.PrefixStore, b *bus.Bus, line Line) *Dispatcher {
	d := &Dispatcher{
		store: st,
		bus:   b,
		line:  line,
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   slog.Default().With("component", "command"),
		now:   time.Now,
	}
	d.rules = []rule{
		{name: "list-snapshots", match: listPattern.MatchString, run: d.listSnapshots},
		{name: "get-snapshot", match: snapshotPattern.MatchString, run: d.getSnapshot},
		{name: "greet", match: func(string) bool { return true }, run: d.greet},
	}
	return d
}

// Run consumes inbound messages until ctx is cancelled. A failure while
// answering one message is logged and never stops the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		msg, err := d.bus.ConsumeMessage(ctx)
		if err != nil {
			return
		}
		if err := d.handle(ctx, msg); err != nil {
			d.log.Error("command failed", "user", msg.UserID, "error", err)
		}
	}
}

// handle runs one message through the pipeline: self-filter, address
// filter, rule table. Messages that pass no filter are dropped silently.
func (d *Dispatcher) handle(ctx context.Context, msg *bus.Message) error {
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	ident := d.line.CurrentIdentity()
	if ident.UserID != "" && msg.UserID == ident.UserID {
		return nil
	}
	if !addressed(msg.Text, ident) {
		return nil
	}
	chat, err := d.line.Chat()
	if err != nil {
		return fmt.Errorf("no chat session: %w", err)
	}
	for _, r := range d.rules {
		if r.match(msg.Text) {
			d.log.Info("dispatching", "rule", r.name, "user", msg.UserID)
			return r.run(ctx, chat, msg)
		}
	}
	return nil
}

// addressed reports whether text is meant for the bot: a user-id mention,
// the bot's display name, or a generic wake word. The filter favors recall
// over precision; a false positive costs at most a greeting.
func addressed(text string, ident connection.Identity) bool {
	lower := strings.ToLower(text)
	if ident.UserID != "" && strings.Contains(text, "<@"+ident.UserID+">") {
		return true
	}
	if ident.UserName != "" && strings.Contains(lower, strings.ToLower(ident.UserName)) {
		return true
	}
	for _, w := range wakeWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) listSnapshots(ctx context.Context, chat connection.Chat, msg *bus.Message) error {
	snaps, err := d.snapshots()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return chat.PostMessage(ctx, msg.ConversationID, "no snapshots configured")
	}
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, "• "+s.Name)
	}
	sort.Strings(names)
	return chat.PostMessage(ctx, msg.ConversationID, strings.Join(names, "\n"))
}

func (d *Dispatcher) getSnapshot(ctx context.Context, chat connection.Chat, msg *bus.Message) error {
	snaps, err := d.snapshots()
	if err != nil {
		return err
	}
	matches := matchSnapshots(msg.Text, snaps)
	if len(matches) == 0 {
		return chat.PostMessage(ctx, msg.ConversationID,
			"I don't know that camera. Ask me for `snapshot list` to see what's configured.")
	}
	var firstErr error
	for _, snap := range matches {
		if err := d.uploadSnapshot(ctx, chat, msg, snap); err != nil {
			d.log.Error("snapshot upload failed", "name", snap.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// uploadSnapshot fetches one camera's image and attaches it to the
// originating conversation.
func (d *Dispatcher) uploadSnapshot(ctx context.Context, chat connection.Chat, msg *bus.Message, snap Snapshot) error {
	body, err := d.fetch(ctx, snap.URL)
	if err != nil {
		return fmt.Errorf("fetch %q: %w", snap.Name, err)
	}
	stamp := d.now().Format("2006-01-02 15:04:05")
	up := connection.Upload{
		ConversationID: msg.ConversationID,
		Filename:       fmt.Sprintf("%s %s.jpg", snap.Name, stamp),
		Title:          fmt.Sprintf("%s %s", snap.Name, stamp),
		Caption:        fmt.Sprintf("<@%s> asked for the %s snapshot", msg.UserID, snap.Name),
		Body:           bytes.NewReader(body),
		Size:           len(body),
	}
	if err := chat.UploadImage(ctx, up); err != nil {
		return fmt.Errorf("upload %q: %w", snap.Name, err)
	}
	return nil
}

func (d *Dispatcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (d *Dispatcher) greet(ctx context.Context, chat connection.Chat, msg *bus.Message) error {
	// Display names change out-of-band, so resolve at reply time.
	name, err := chat.UserDisplayName(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("resolve display name: %w", err)
	}
	return chat.PostMessage(ctx, msg.ConversationID,
		fmt.Sprintf("That's my name, @%s, don't wear it out!", name))
}

func (d *Dispatcher) snapshots() ([]Snapshot, error) {
	entries, err := d.store.ByPrefix(SnapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	snaps := make([]Snapshot, 0, len(entries))
	for key, raw := range entries {
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			d.log.Warn("skipping malformed snapshot entry", "key", key, "error", err)
			continue
		}
		if s.Name == "" {
			segs := store.ParsePath(key)
			s.Name = segs[len(segs)-1]
		}
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps, nil
}

// matchSnapshots returns every snapshot whose name appears in text,
// case-insensitively. When one matched name is contained in another matched
// name the longer one wins, so asking for "front-door-wide" never also
// triggers "door".
func matchSnapshots(text string, snaps []Snapshot) []Snapshot {
	lower := strings.ToLower(text)
	var hits []Snapshot
	for _, s := range snaps {
		if s.Name != "" && strings.Contains(lower, strings.ToLower(s.Name)) {
			hits = append(hits, s)
		}
	}
	var out []Snapshot
	for i, s := range hits {
		shadowed := false
		for j, other := range hits {
			if i == j {
				continue
			}
			if len(other.Name) > len(s.Name) &&
				strings.Contains(strings.ToLower(other.Name), strings.ToLower(s.Name)) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			out = append(out, s)
		}
	}
	return out
}
