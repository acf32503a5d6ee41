// Package events watches the websocket stream the backend pushes box events of an identity on
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	"github.com/misakey/apitest/internal/session"
	"github.com/misakey/apitest/internal/task"
	"github.com/rs/zerolog/log"
	"net/http"
	"strings"
	"time"
)

const (
	handshakeTimeout = 30 * time.Second
	pingInterval     = 60 * time.Second
	writeWait        = 10 * time.Second
	maxMessageSize   = 8 * 1024 * 1024
)

var (
	ErrNoIdentity = errors.New("the session is not authenticated as an identity")
)

// Message represents a message pushed on the websocket stream
type Message struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`

	// Raw is the message as it was received
	Raw []byte `json:"-"`
}

// Handler is called for every message received
type Handler func(message *Message)

// LogHandler logs every received message
func LogHandler(message *Message) {
	log.Info().Str("type", message.Type).RawJSON("object", nonEmptyJSON(message.Object)).Msg("received a websocket message")
}

func nonEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// URL returns the websocket URL of the event stream of the session identity
func URL(sess *session.Session) (string, error) {
	if sess.IdentityID == "" {
		return "", ErrNoIdentity
	}
	target := sess.URL("/box-users/" + sess.IdentityID + "/ws")
	switch {
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://"), nil
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://"), nil
	default:
		return "", fmt.Errorf("unsupported API URL scheme: '%s'", target)
	}
}

// Watch dials the event stream of the session identity using its cookies and calls handler for every
// message until ctx is cancelled or the server closes the connection
func Watch(ctx context.Context, sess *session.Session, handler Handler) error {
	target, err := URL(sess)
	if err != nil {
		return err
	}

	httpClient := sess.Client().HTTP()
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Jar:              httpClient.Jar,
	}
	if transport, ok := httpClient.Transport.(*http.Transport); ok {
		dialer.TLSClientConfig = transport.TLSClientConfig
	}

	conn, res, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if res != nil {
			return fmt.Errorf("dialing %s: %w (status %d)", target, err, res.StatusCode)
		}
		return fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.Close()
	log.Info().Str("url", target).Msg("watching the event stream")

	// Closing the connection unblocks the read loop
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	// Keep the connection alive on idle streams
	pinger := task.NewRepeating(func() {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			log.Debug().Err(err).Msg("could not ping the event stream")
		}
	}, pingInterval)
	pinger.Start()
	defer pinger.Stop(false)

	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading the event stream: %w", err)
		}
		message := &Message{Raw: raw}
		if err := json.Unmarshal(raw, message); err != nil {
			log.Warn().Err(err).Str("message", string(raw)).Msg("received a non-JSON websocket message")
		}
		handler(message)
	}
}
