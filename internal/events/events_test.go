package events

import (
	"context"
	"github.com/gorilla/websocket"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

const identityID = "0b1b1ec9-6d0e-4a58-9c38-8b0f1d5e0c11"

func newStreamServer(t *testing.T, messages ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/box-users/"+identityID+"/ws" {
			http.NotFound(writer, request)
			return
		}
		if cookie, err := request.Cookie("accesstoken"); err != nil || cookie.Value != "token" {
			http.Error(writer, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, message := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(server.Close)
	return server
}

func newSession(t *testing.T, apiURL string, withCookie bool) *session.Session {
	t.Helper()
	httpClient := httpcall.NewHTTPClient(false)
	if withCookie {
		parsed, err := url.Parse(apiURL)
		require.NoError(t, err)
		httpClient.Jar.SetCookies(parsed, []*http.Cookie{{Name: "accesstoken", Value: "token", Path: "/"}})
	}
	sess := session.New(httpcall.New(httpClient, nil), apiURL)
	sess.IdentityID = identityID
	return sess
}

func TestURL(t *testing.T) {
	sess := newSession(t, "https://api.misakey.com.local", false)
	target, err := URL(sess)
	require.NoError(t, err)
	assert.Equal(t, "wss://api.misakey.com.local/box-users/"+identityID+"/ws", target)

	sess = newSession(t, "http://127.0.0.1:8080", false)
	target, err = URL(sess)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/box-users/"+identityID+"/ws", target)

	sess.IdentityID = ""
	_, err = URL(sess)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestWatchReceivesMessages(t *testing.T) {
	server := newStreamServer(t,
		`{"type":"event.new","object":{"id":"1"}}`,
		`not json`,
	)
	sess := newSession(t, server.URL, true)

	var received []*Message
	err := Watch(context.Background(), sess, func(message *Message) {
		received = append(received, message)
	})
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, "event.new", received[0].Type)
	assert.JSONEq(t, `{"id":"1"}`, string(received[0].Object))
	assert.Equal(t, "not json", string(received[1].Raw))
	assert.Empty(t, received[1].Type)
}

func TestWatchStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, Watch(ctx, newSession(t, server.URL, false), LogHandler))
}

func TestWatchRequiresCookies(t *testing.T) {
	server := newStreamServer(t)
	err := Watch(context.Background(), newSession(t, server.URL, false), LogHandler)
	assert.Error(t, err)
}
