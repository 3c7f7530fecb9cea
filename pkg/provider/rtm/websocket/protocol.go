// Package websocket implements the RTM capability over a small JSON protocol
// on top of a WebSocket connection.
//
// [Provider] is the client side and satisfies [rtm.Provider]. [Hub] is a
// matching server that can be mounted on any [net/http] mux; the daemon serves
// one so that several clients can exchange channel messages without an
// external messaging vendor.
//
// Every client request carries a request_id and is answered by exactly one
// "ack" frame with the same id. A non-empty ack error fails the request. The
// server pushes "message" and "token_expiring" frames unsolicited.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/rtcsession/pkg/provider/rtm"
)

// Frame types.
const (
	frameLogin         = "login"
	frameLogout        = "logout"
	frameJoin          = "join"
	frameLeave         = "leave"
	frameMessage       = "message"
	frameRenewToken    = "renew_token"
	frameAck           = "ack"
	frameTokenExpiring = "token_expiring"
)

// closeTimeout bounds the closing handshake and best-effort writes.
const closeTimeout = 5 * time.Second

// errBadFrame marks a frame that could not be decoded. Readers skip it.
var errBadFrame = errors.New("websocket: malformed frame")

// frame is the single envelope used in both directions.
type frame struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	Token     string       `json:"token,omitempty"`
	ChannelID string       `json:"channel_id,omitempty"`
	Message   *wireMessage `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type wireMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

func toWire(m rtm.Message) *wireMessage {
	return &wireMessage{ID: m.ID, ChannelID: m.ChannelID, SenderID: m.SenderID, Text: m.Text, SentAt: m.SentAt}
}

func (w *wireMessage) message() rtm.Message {
	return rtm.Message{ID: w.ID, ChannelID: w.ChannelID, SenderID: w.SenderID, Text: w.Text, SentAt: w.SentAt}
}

// writeFrame marshals f and writes it as a text WebSocket message.
func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("websocket: marshal %s: %w", f.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readFrame reads and decodes the next frame.
func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	var f frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return f, nil
}
