package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// startHub serves a Hub on an httptest server and returns its ws:// URL.
func startHub(t *testing.T, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string) *Provider {
	t.Helper()
	p := New("")
	if err := p.Initialize(context.Background(), rtm.Config{Endpoint: url, AppID: "test"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recorder collects callback values safely.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
	ch  chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan struct{}, 64)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder[T]) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestInitialize_RequiresEndpoint(t *testing.T) {
	t.Parallel()
	if err := New("").Initialize(context.Background(), rtm.Config{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestLoginAndChannels(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t)
	ctx := testCtx(t)
	p := newClient(t, url)

	states := newRecorder[types.ConnectionState]()
	p.OnConnectionStateChanged(states.add)

	if err := p.JoinChannel(ctx, "room"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("JoinChannel before login: %v", err)
	}
	if err := p.Login(ctx, "alice", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !p.IsLoggedIn() {
		t.Fatal("IsLoggedIn = false after login")
	}
	if err := p.JoinChannel(ctx, "room"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if got := p.JoinedChannels(); !slices.Equal(got, []string{"room"}) {
		t.Errorf("JoinedChannels = %v", got)
	}
	if got := hub.Members("room"); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("hub members = %v", got)
	}

	if err := p.LeaveChannel(ctx, "room"); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if len(hub.Members("room")) != 0 || len(p.JoinedChannels()) != 0 {
		t.Error("leave not reflected")
	}

	if err := p.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if p.IsLoggedIn() {
		t.Error("IsLoggedIn = true after logout")
	}
	got := states.values()
	if len(got) != 2 || got[0] != types.Connected || got[1] != types.Disconnected {
		t.Errorf("states = %v, want connected then disconnected", got)
	}
}

func TestLogin_Rejected(t *testing.T) {
	t.Parallel()
	denied := errors.New("bad token")
	_, url := startHub(t, WithAuth(func(_ context.Context, _, token string) error {
		if token != "good" {
			return denied
		}
		return nil
	}))
	ctx := testCtx(t)
	p := newClient(t, url)

	err := p.Login(ctx, "alice", "nope")
	if err == nil || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("Login err = %v, want rejection", err)
	}
	if p.IsLoggedIn() {
		t.Error("rejected login left provider logged in")
	}
	if err := p.Login(ctx, "alice", "good"); err != nil {
		t.Fatalf("Login with good token: %v", err)
	}
	if err := p.RenewToken(ctx, "nope"); err == nil {
		t.Error("RenewToken with bad token succeeded")
	}
	if err := p.RenewToken(ctx, "good"); err != nil {
		t.Errorf("RenewToken: %v", err)
	}
}

func TestLogin_DuplicateUser(t *testing.T) {
	t.Parallel()
	_, url := startHub(t)
	ctx := testCtx(t)
	a, b := newClient(t, url), newClient(t, url)

	if err := a.Login(ctx, "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := b.Login(ctx, "alice", "tok"); err == nil {
		t.Fatal("second login for the same user succeeded")
	}
}

func TestMessageRelay(t *testing.T) {
	t.Parallel()
	_, url := startHub(t)
	ctx := testCtx(t)
	alice, bob, carol := newClient(t, url), newClient(t, url), newClient(t, url)

	bobMsgs := newRecorder[rtm.Message]()
	bob.OnMessage(bobMsgs.add)
	carolMsgs := newRecorder[rtm.Message]()
	carol.OnMessage(carolMsgs.add)
	aliceMsgs := newRecorder[rtm.Message]()
	alice.OnMessage(aliceMsgs.add)

	for id, p := range map[string]*Provider{"alice": alice, "bob": bob, "carol": carol} {
		if err := p.Login(ctx, id, "tok"); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range []*Provider{alice, bob} {
		if err := p.JoinChannel(ctx, "room"); err != nil {
			t.Fatal(err)
		}
	}
	if err := carol.JoinChannel(ctx, "other"); err != nil {
		t.Fatal(err)
	}

	if err := carol.SendMessage(ctx, rtm.Message{ID: "x", ChannelID: "room", Text: "intruder"}); err == nil {
		t.Error("send to a channel not joined succeeded")
	}

	sent := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := alice.SendMessage(ctx, rtm.Message{ID: "m1", ChannelID: "room", SenderID: "mallory", Text: "hello", SentAt: sent}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	bobMsgs.wait(t)

	got := bobMsgs.values()[0]
	want := rtm.Message{ID: "m1", ChannelID: "room", SenderID: "alice", Text: "hello", SentAt: sent}
	if got.ID != want.ID || got.ChannelID != want.ChannelID || got.SenderID != want.SenderID ||
		got.Text != want.Text || !got.SentAt.Equal(want.SentAt) {
		t.Errorf("bob got %+v, want %+v", got, want)
	}

	// The ack for a later request proves earlier relays were written.
	if err := alice.RenewToken(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if len(carolMsgs.values()) != 0 || len(aliceMsgs.values()) != 0 {
		t.Error("message delivered outside the channel or echoed to sender")
	}
}

func TestTokenExpiring(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t)
	ctx := testCtx(t)
	p := newClient(t, url)

	expired := newRecorder[struct{}]()
	p.OnTokenExpiry(func() { expired.add(struct{}{}) })

	if ok, err := hub.ExpireToken(ctx, "alice"); ok || err != nil {
		t.Fatalf("ExpireToken for absent user = %v, %v", ok, err)
	}
	if err := p.Login(ctx, "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	if ok, err := hub.ExpireToken(ctx, "alice"); !ok || err != nil {
		t.Fatalf("ExpireToken = %v, %v", ok, err)
	}
	expired.wait(t)
}

func TestConnectionLoss_ReportsFailed(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t)
	ctx := testCtx(t)
	p := newClient(t, url)

	states := newRecorder[types.ConnectionState]()
	p.OnConnectionStateChanged(states.add)
	if err := p.Login(ctx, "alice", "tok"); err != nil {
		t.Fatal(err)
	}
	states.wait(t) // connected

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
	states.wait(t)

	got := states.values()
	if got[len(got)-1].Kind != types.ConnFailed {
		t.Errorf("final state = %v, want failed", got[len(got)-1])
	}
	if p.IsLoggedIn() {
		t.Error("still logged in after connection loss")
	}
	if err := p.SendMessage(ctx, rtm.Message{ChannelID: "room"}); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("SendMessage after loss: %v", err)
	}
}

func TestHub_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()
	_, url := startHub(t)
	ctx := testCtx(t)

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.CloseNow()

	if err := ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := writeFrame(ctx, ws, frame{Type: "bogus", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	f, err := readFrame(ctx, ws)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != frameAck || f.RequestID != "r1" || f.Error == "" {
		t.Errorf("ack = %+v, want error ack for r1", f)
	}
}
