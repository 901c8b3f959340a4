package command

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/homewatch/homewatch/internal/bus"
	"github.com/homewatch/homewatch/internal/connection"
	"github.com/homewatch/homewatch/internal/store"
)

type fakeChat struct {
	posts   []string
	uploads []recordedUpload
}

type recordedUpload struct {
	up   connection.Upload
	body []byte
}

func (f *fakeChat) PostMessage(ctx context.Context, conversationID, text string) error {
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeChat) UploadImage(ctx context.Context, up connection.Upload) error {
	body, err := io.ReadAll(up.Body)
	if err != nil {
		return err
	}
	f.uploads = append(f.uploads, recordedUpload{up: up, body: body})
	return nil
}

func (f *fakeChat) UserDisplayName(ctx context.Context, userID string) (string, error) {
	return "Pat", nil
}

func (f *fakeChat) Conversations(ctx context.Context, kind connection.ConversationKind) ([]connection.Conversation, error) {
	return nil, nil
}

func (f *fakeChat) Users(ctx context.Context) ([]connection.Conversation, error) {
	return nil, nil
}

type fakeLine struct {
	ident connection.Identity
	chat  *fakeChat
	err   error
}

func (f *fakeLine) CurrentIdentity() connection.Identity { return f.ident }

func (f *fakeLine) Chat() (connection.Chat, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chat, nil
}

func newDispatcherFixture(t *testing.T) (*Dispatcher, *store.PrefixStore, *fakeChat) {
	t.Helper()
	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	st := store.New(backend)

	chat := &fakeChat{}
	line := &fakeLine{
		ident: connection.Identity{UserID: "UBOT", UserName: "homewatch"},
		chat:  chat,
	}
	return NewDispatcher(st, bus.New(), line), st, chat
}

func putSnapshot(t *testing.T, st *store.PrefixStore, name, url string) {
	t.Helper()
	path := append(append(store.Path{}, SnapshotPrefix...), name)
	if err := st.Put(path, Snapshot{Name: name, URL: url}); err != nil {
		t.Fatalf("put snapshot %q: %v", name, err)
	}
}

func inbound(text string) *bus.Message {
	return &bus.Message{ConversationID: "C1", UserID: "U42", Text: text}
}

func TestListSnapshotsRepliesWithBulletedNames(t *testing.T) {
	d, st, chat := newDispatcherFixture(t)
	putSnapshot(t, st, "front-door", "http://cam/front")
	putSnapshot(t, st, "garage", "http://cam/garage")

	if err := d.handle(context.Background(), inbound("snapshot list")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.posts) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(chat.posts))
	}
	reply := chat.posts[0]
	for _, want := range []string{"• front-door", "• garage"} {
		if !strings.Contains(reply, want) {
			t.Errorf("reply missing %q:\n%s", want, reply)
		}
	}
	if got := len(strings.Split(reply, "\n")); got != 2 {
		t.Errorf("expected one line per snapshot, got %d lines", got)
	}
}

func TestListSnapshotsEmptyStore(t *testing.T) {
	d, _, chat := newDispatcherFixture(t)

	if err := d.handle(context.Background(), inbound("camera list")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.posts) != 1 || chat.posts[0] != "no snapshots configured" {
		t.Fatalf("unexpected replies: %v", chat.posts)
	}
}

func TestGetSnapshotUploadsStoredURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	d, st, chat := newDispatcherFixture(t)
	putSnapshot(t, st, "garage", srv.URL)

	if err := d.handle(context.Background(), inbound("get me the garage snapshot")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.uploads) != 1 {
		t.Fatalf("expected exactly 1 upload, got %d", len(chat.uploads))
	}
	up := chat.uploads[0]
	if string(up.body) != "jpeg-bytes" {
		t.Errorf("upload body = %q", up.body)
	}
	if !strings.Contains(up.up.Filename, "garage") || !strings.Contains(up.up.Caption, "garage") {
		t.Errorf("upload not labeled with the camera name: %+v", up.up)
	}
	if !strings.Contains(up.up.Caption, "<@U42>") {
		t.Errorf("caption does not reference the requester: %q", up.up.Caption)
	}
	if up.up.ConversationID != "C1" {
		t.Errorf("upload went to %q, want the originating conversation", up.up.ConversationID)
	}
}

func TestGetSnapshotNoMatchesHints(t *testing.T) {
	d, _, chat := newDispatcherFixture(t)

	if err := d.handle(context.Background(), inbound("snapshot please")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.uploads) != 0 {
		t.Fatalf("expected no uploads, got %d", len(chat.uploads))
	}
	if len(chat.posts) != 1 || !strings.Contains(chat.posts[0], "snapshot list") {
		t.Fatalf("expected the list hint, got %v", chat.posts)
	}
}

func TestGetSnapshotLongestNameWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	defer srv.Close()

	d, st, chat := newDispatcherFixture(t)
	putSnapshot(t, st, "door", srv.URL)
	putSnapshot(t, st, "front-door", srv.URL)

	if err := d.handle(context.Background(), inbound("show me the front-door snapshot")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.uploads) != 1 {
		t.Fatalf("expected the longer name to shadow the shorter, got %d uploads", len(chat.uploads))
	}
	if !strings.Contains(chat.uploads[0].up.Filename, "front-door") {
		t.Errorf("wrong snapshot uploaded: %q", chat.uploads[0].up.Filename)
	}
}

func TestGreetFallback(t *testing.T) {
	d, _, chat := newDispatcherFixture(t)

	if err := d.handle(context.Background(), inbound("hey bot, how are you")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.posts) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(chat.posts))
	}
	if want := "That's my name, @Pat, don't wear it out!"; chat.posts[0] != want {
		t.Errorf("greeting = %q, want %q", chat.posts[0], want)
	}
}

func TestOwnMessagesNeverAnswered(t *testing.T) {
	d, st, chat := newDispatcherFixture(t)
	putSnapshot(t, st, "garage", "http://cam/garage")

	msg := &bus.Message{ConversationID: "C1", UserID: "UBOT", Text: "snapshot list"}
	if err := d.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.posts) != 0 || len(chat.uploads) != 0 {
		t.Fatalf("bot answered its own message: posts=%v uploads=%d", chat.posts, len(chat.uploads))
	}
}

func TestUnaddressedMessagesDroppedSilently(t *testing.T) {
	d, _, chat := newDispatcherFixture(t)

	if err := d.handle(context.Background(), inbound("what a nice day")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.posts) != 0 {
		t.Fatalf("unaddressed message answered: %v", chat.posts)
	}
}

func TestMentionAddressesTheBot(t *testing.T) {
	d, _, chat := newDispatcherFixture(t)

	if err := d.handle(context.Background(), inbound("<@UBOT> hello there")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(chat.posts) != 1 {
		t.Fatalf("mention not answered: %v", chat.posts)
	}
}

func TestChatUnavailableSurfacesError(t *testing.T) {
	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	line := &fakeLine{err: errors.New("not connected")}
	d := NewDispatcher(store.New(backend), bus.New(), line)

	if err := d.handle(context.Background(), inbound("snapshot list")); err == nil {
		t.Fatal("expected an error when no session is live")
	}
}
