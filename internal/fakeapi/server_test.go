package fakeapi

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := New()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func decode(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	body := map[string]any{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	server := newTestServer(t)

	res, err := http.Get(server.API.URL + "/identities/" + ClientID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	decode(t, res)

	var csrf string
	for _, cookie := range res.Cookies() {
		if cookie.Name == "_csrf" {
			csrf = cookie.Value
		}
	}
	assert.NotEmpty(t, csrf, "a first request is issued an anti-forgery token")
}

func TestMutatingRequestsNeedTheAntiForgeryToken(t *testing.T) {
	server := newTestServer(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	// Obtain the anti-forgery cookie
	res, err := client.Get(server.API.URL + "/boxes/joined")
	require.NoError(t, err)
	res.Body.Close()

	res, err = client.Post(server.API.URL+"/boxes", "application/json", strings.NewReader(`{"title":"box"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	body := decode(t, res)
	assert.Equal(t, "forbidden", body["code"])

	// Bearer authenticated requests are not subject to the check
	request, err := http.NewRequest(http.MethodPost, server.API.URL+"/boxes", strings.NewReader(`{"title":"box"}`))
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer unknown")
	res, err = client.Do(request)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestJWKS(t *testing.T) {
	server := newTestServer(t)

	res, err := http.Get(server.Auth.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode(t, res)

	keys, ok := body["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)
	key := keys[0].(map[string]any)
	assert.Equal(t, "RSA", key["kty"])
	assert.Equal(t, keyID, key["kid"])
	assert.NotEmpty(t, key["n"])
}

func TestUnknownRoutes(t *testing.T) {
	server := newTestServer(t)

	res, err := http.Get(server.API.URL + "/nothing-here")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	decode(t, res)

	res, err = http.Get(server.App.URL + "/auth/consent")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	res.Body.Close()
}
