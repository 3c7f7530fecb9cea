// Package rtm defines the Provider interface for real-time messaging backends.
//
// The RTM capability covers identity login and channel membership for text
// and signalling messages. It is independent of the RTC capability: a user can
// be logged in to RTM without being in an RTC room, and vice versa.
//
// Implementations must be safe for concurrent use. Callbacks are invoked on
// provider-owned goroutines and must not block.
package rtm

import (
	"context"
	"time"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// Config carries the provider-independent initialisation parameters.
type Config struct {
	// AppID identifies the application to the vendor backend.
	AppID string

	// Endpoint is the backend address, if the provider needs one.
	Endpoint string

	// Options holds provider-specific settings.
	Options map[string]any
}

// Message is a single channel message.
type Message struct {
	// ID uniquely identifies the message.
	ID string

	// ChannelID is the channel the message was sent to.
	ChannelID string

	// SenderID is the user that sent the message.
	SenderID string

	// Text is the message payload.
	Text string

	// SentAt is the send timestamp.
	SentAt time.Time
}

// Provider is the RTM capability.
type Provider interface {
	// Initialize prepares the provider.
	Initialize(ctx context.Context, cfg Config) error

	// Login authenticates userID with token.
	Login(ctx context.Context, userID, token string) error

	// Logout ends the RTM login. All channels are implicitly left.
	Logout(ctx context.Context) error

	// IsLoggedIn reports the current login state. It never blocks.
	IsLoggedIn() bool

	// JoinChannel joins channelID. Requires a login.
	JoinChannel(ctx context.Context, channelID string) error

	// LeaveChannel leaves channelID.
	LeaveChannel(ctx context.Context, channelID string) error

	// JoinedChannels returns the channels currently joined.
	JoinedChannels() []string

	// SendMessage delivers msg to msg.ChannelID.
	SendMessage(ctx context.Context, msg Message) error

	// RenewToken replaces the login token after expiry.
	RenewToken(ctx context.Context, token string) error

	// OnMessage registers cb for incoming messages. Only one callback is kept.
	OnMessage(cb func(Message))

	// OnConnectionStateChanged registers cb for signalling connection changes.
	// Only one callback is kept.
	OnConnectionStateChanged(cb func(types.ConnectionState))

	// OnTokenExpiry registers cb to be called when the token is about to
	// expire. Only one callback is kept.
	OnTokenExpiry(cb func())

	// Close releases all resources. Safe to call more than once.
	Close() error
}
