package session

import (
	"context"
	"encoding/json"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestSession(t *testing.T, handler http.Handler) (*Session, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(httpcall.New(httpcall.NewHTTPClient(false), nil), server.URL), server
}

func TestCSRFTracking(t *testing.T) {
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(rw http.ResponseWriter, req *http.Request) {
		http.SetCookie(rw, &http.Cookie{Name: CSRFCookie, Value: "hop-token", Path: "/"})
		http.Redirect(rw, req, "/landing", http.StatusFound)
	})
	mux.HandleFunc("/landing", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rotate", func(rw http.ResponseWriter, req *http.Request) {
		seen = append(seen, req.Header.Get(httpcall.CSRFHeader))
		http.SetCookie(rw, &http.Cookie{Name: CSRFCookie, Value: "rotated-token", Path: "/"})
		rw.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/mutate", func(rw http.ResponseWriter, req *http.Request) {
		seen = append(seen, req.Header.Get(httpcall.CSRFHeader))
		rw.WriteHeader(http.StatusForbidden)
	})
	session, _ := newTestSession(t, mux)
	ctx := context.Background()

	_, err := session.Get(ctx, "/login")
	require.NoError(t, err)
	assert.Equal(t, "hop-token", session.CSRFToken())

	_, err = session.Put(ctx, "/rotate", httpcall.Expect(http.StatusNoContent))
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", session.CSRFToken())

	res, err := session.Delete(ctx, "/mutate", httpcall.Expect(http.StatusNoContent))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	assert.Equal(t, []string{"hop-token", "rotated-token"}, seen)
	assert.Equal(t, "rotated-token", session.Cookie("/", CSRFCookie))
}

func TestCSRFNotSentOnSafeMethods(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		assert.Empty(t, req.Header.Get(httpcall.CSRFHeader))
		http.SetCookie(rw, &http.Cookie{Name: CSRFCookie, Value: "token", Path: "/"})
	})
	session, _ := newTestSession(t, mux)

	_, err := session.Get(context.Background(), "/")
	require.NoError(t, err)
	_, err = session.Get(context.Background(), "/")
	require.NoError(t, err)
}

func TestBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/organizations", func(rw http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer org-token" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.WriteHeader(http.StatusOK)
	})
	session, _ := newTestSession(t, mux)
	session.SetBearer("org-token")

	_, err := session.Get(context.Background(), "/organizations", httpcall.Expect(http.StatusOK))
	require.NoError(t, err)
}

func TestIdentityOperations(t *testing.T) {
	var patched map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/identities/id-1", func(rw http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			json.NewEncoder(rw).Encode(map[string]string{
				"id":                    "id-1",
				"pubkey":                "identified",
				"non_identified_pubkey": "anonymous",
			})
		case http.MethodPatch:
			json.NewDecoder(req.Body).Decode(&patched)
			rw.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/identities/pubkey", func(rw http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "alice@misakey.com", req.URL.Query().Get("identifier_value"))
		json.NewEncoder(rw).Encode([]string{"identified"})
	})
	mux.HandleFunc("/boxes/box-1/events", func(rw http.ResponseWriter, req *http.Request) {
		var event map[string]string
		json.NewDecoder(req.Body).Decode(&event)
		assert.Equal(t, "member.join", event["type"])
		rw.WriteHeader(http.StatusCreated)
	})
	session, _ := newTestSession(t, mux)
	session.IdentityID = "id-1"
	ctx := context.Background()

	pubkey, err := session.GetIdentityPublicKey(ctx, NonIdentifiedPubkeyField)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", pubkey)

	_, err = session.SetIdentityPublicKey(ctx, PubkeyField, "new-key")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pubkey": "new-key"}, patched)

	_, err = session.SetIdentityPublicKey(ctx, "other", "new-key")
	assert.ErrorIs(t, err, ErrUnknownPubkeyField)

	pubkeys, err := session.LookupPublicKeys(ctx, "alice@misakey.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"identified"}, pubkeys)

	_, err = session.JoinBox(ctx, "box-1")
	require.NoError(t, err)
}
