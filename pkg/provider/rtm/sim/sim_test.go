package sim

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
)

func TestBroker_DeliversToOtherMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker()
	alice, bob, carol := b.Provider(), b.Provider(), b.Provider()

	var bobGot, carolGot, aliceGot []rtm.Message
	alice.OnMessage(func(m rtm.Message) { aliceGot = append(aliceGot, m) })
	bob.OnMessage(func(m rtm.Message) { bobGot = append(bobGot, m) })
	carol.OnMessage(func(m rtm.Message) { carolGot = append(carolGot, m) })

	for id, p := range map[string]*Provider{"alice": alice, "bob": bob, "carol": carol} {
		if err := p.Login(ctx, id, "tok"); err != nil {
			t.Fatal(err)
		}
	}
	_ = alice.JoinChannel(ctx, "room")
	_ = bob.JoinChannel(ctx, "room")
	_ = carol.JoinChannel(ctx, "elsewhere")

	if err := alice.SendMessage(ctx, rtm.Message{ID: "m1", ChannelID: "room", SenderID: "spoofed", Text: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if len(bobGot) != 1 || bobGot[0].SenderID != "alice" || bobGot[0].Text != "hi" {
		t.Errorf("bob got %+v", bobGot)
	}
	if len(carolGot) != 0 || len(aliceGot) != 0 {
		t.Errorf("unexpected deliveries: carol=%v alice=%v", carolGot, aliceGot)
	}
}

func TestProvider_ChannelMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := NewBroker().Provider()

	if err := p.JoinChannel(ctx, "c"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("JoinChannel before login: %v", err)
	}
	if err := p.Login(ctx, "u", "tok"); err != nil {
		t.Fatal(err)
	}
	_ = p.JoinChannel(ctx, "c")
	_ = p.JoinChannel(ctx, "c")
	_ = p.JoinChannel(ctx, "d")
	if got := p.JoinedChannels(); !slices.Equal(got, []string{"c", "d"}) {
		t.Errorf("channels = %v", got)
	}
	if err := p.SendMessage(ctx, rtm.Message{ChannelID: "x"}); err == nil {
		t.Error("send to a channel not joined should fail")
	}
	_ = p.LeaveChannel(ctx, "c")
	if got := p.JoinedChannels(); !slices.Equal(got, []string{"d"}) {
		t.Errorf("channels after leave = %v", got)
	}

	if err := p.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if p.IsLoggedIn() || len(p.JoinedChannels()) != 0 {
		t.Error("logout kept state")
	}
}

func TestBroker_RejectsDuplicateUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := NewBroker()
	first, second := b.Provider(), b.Provider()
	if err := first.Login(ctx, "u", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := second.Login(ctx, "u", "tok"); !errors.Is(err, ErrUserTaken) {
		t.Fatalf("second login err = %v, want ErrUserTaken", err)
	}
	_ = first.Close()
	if err := second.Login(ctx, "u", "tok"); err != nil {
		t.Fatalf("login after first logout: %v", err)
	}
}

func TestProvider_TokenExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := NewBroker().Provider()
	if err := p.RenewToken(ctx, "x"); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("RenewToken before login: %v", err)
	}
	fired := 0
	p.OnTokenExpiry(func() { fired++ })
	p.ExpireToken()
	_ = p.Login(ctx, "u", "old")
	if err := p.RenewToken(ctx, "new"); err != nil {
		t.Fatal(err)
	}
	if fired != 1 || p.token != "new" {
		t.Errorf("fired=%d token=%q", fired, p.token)
	}
}
