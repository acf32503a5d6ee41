package fakeapi

import (
	"bytes"
	"encoding/json"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/secretstorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"strconv"
	"testing"
)

// bearerIdentity stores an identity with an access token and returns both
func bearerIdentity(t *testing.T, server *Server, accountID string) (*identity, string) {
	t.Helper()
	ident := newIdentity(uuid.NewString()[:8] + "@misakey.com")
	ident.AccountID = accountID
	require.NoError(t, server.createIdentity(ident))
	tok := uuid.NewString()
	require.NoError(t, server.save(tableTokens, &token{Token: tok, IdentityID: ident.ID, ACR: 2}))
	return ident, tok
}

func doBearer(t *testing.T, server *Server, method, path, tok string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, server.API.URL+path, reader)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+tok)
	request.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestOrganizationTokensCannotUseIdentityRoutes(t *testing.T) {
	server := newTestServer(t)
	tok := uuid.NewString()
	require.NoError(t, server.save(tableTokens, &token{Token: tok, OrgID: uuid.NewString()}))

	res := doBearer(t, server, http.MethodGet, "/boxes/"+uuid.NewString(), tok, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res = doBearer(t, server, http.MethodPost, "/boxes", tok, map[string]string{"title": "box", "public_key": "key"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestNotificationsAcknowledgement(t *testing.T) {
	server := newTestServer(t)
	ident, tok := bearerIdentity(t, server, "")
	path := "/identities/" + ident.ID + "/notifications"

	res := doBearer(t, server, http.MethodHead, path, tok, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("X-Total-Count"))

	res = doBearer(t, server, http.MethodGet, path, tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var listed []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, NotificationCreateIdentity, listed[0]["type"])
	assert.Nil(t, listed[0]["details"])
	id := int(listed[0]["id"].(float64))

	res = doBearer(t, server, http.MethodPut, path+"/acknowledgement?ids=abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res = doBearer(t, server, http.MethodPut, path+"/acknowledgement?ids=99999,"+strconv.Itoa(id), tok, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = doBearer(t, server, http.MethodHead, path, tok, nil)
	assert.Equal(t, "0", res.Header.Get("X-Total-Count"))

	_, other := bearerIdentity(t, server, "")
	res = doBearer(t, server, http.MethodGet, path, other, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestMigrateSecretStorage(t *testing.T) {
	server := newTestServer(t)
	ident, tok := bearerIdentity(t, server, uuid.NewString())
	updated := *ident
	require.NoError(t, updated.storeSecrets(&passwordMetadata{BackupData: "legacy"}))
	require.NoError(t, server.save(tableIdentities, &updated))

	res := doBearer(t, server, http.MethodGet, "/crypto/secret-storage", tok, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = doBearer(t, server, http.MethodPost, "/crypto/migration/v2", tok, map[string]any{"vault_key": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decode(t, res)
	assert.Contains(t, body["details"], "account_root_key")

	data := secretstorage.NewFullData()
	res = doBearer(t, server, http.MethodPost, "/crypto/migration/v2", tok, data)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, data.Pubkey, server.identity(ident.ID).Pubkey)

	res = doBearer(t, server, http.MethodGet, "/crypto/secret-storage", tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decode(t, res)
	assert.Contains(t, body, "box_key_shares")

	res = doBearer(t, server, http.MethodPost, "/crypto/migration/v2", tok, data)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}
