package fakeapi

import (
	"encoding/json"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"github.com/misakey/apitest/internal/secretstorage"
	"io"
	"net/http"
)

// secretStorageOwner returns the requesting identity if it has an account or writes a forbidden error.
// Accounts still holding a legacy backup have no secret storage until they are migrated.
func (server *Server) secretStorageOwner(writer http.ResponseWriter, request *http.Request) (*identity, *secretstorage.FullData) {
	if server.requesterAccount(writer, request) == "" {
		return nil, nil
	}
	ident := server.identity(accessToken(request).IdentityID)
	secrets := &secretstorage.FullData{ResetData: new(secretstorage.ResetData)}
	if len(ident.Secrets) > 0 {
		if err := json.Unmarshal(ident.Secrets, secrets); err != nil {
			server.writer.WriteInternalError(writer, err)
			return nil, nil
		}
	}
	if secrets.AccountRootKey == nil {
		server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginNotDef, "the account is not migrated to the secret storage").Detail("account_id", schema.DetailConflict))
		return nil, nil
	}
	if secrets.AsymKeys == nil {
		secrets.AsymKeys = map[string]*secretstorage.AsymKey{}
	}
	if secrets.BoxKeyShares == nil {
		secrets.BoxKeyShares = map[string]*secretstorage.BoxKeyShare{}
	}
	return ident, secrets
}

// saveSecretStorage stores the secret storage of an identity
func (server *Server) saveSecretStorage(writer http.ResponseWriter, ident *identity, secrets *secretstorage.FullData) bool {
	raw, err := json.Marshal(secrets)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return false
	}
	updated := *ident
	updated.Secrets = raw
	if err := server.save(tableIdentities, &updated); err != nil {
		server.writer.WriteInternalError(writer, err)
		return false
	}
	return true
}

// checkRootKeyHash writes a forbidden error if hash does not identify the current account root key
func (server *Server) checkRootKeyHash(writer http.ResponseWriter, secrets *secretstorage.FullData, hash string) bool {
	if hash != secrets.AccountRootKey.KeyHash {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "account root key hash does not match").Detail("account_root_key_hash", schema.DetailForbidden))
		return false
	}
	return true
}

// EndpointGetSecretStorage handles the 'GET /crypto/secret-storage' endpoint
func (server *Server) EndpointGetSecretStorage(writer http.ResponseWriter, request *http.Request) {
	ident, secrets := server.secretStorageOwner(writer, request)
	if ident == nil {
		return
	}
	server.writer.WriteJSON(writer, map[string]any{
		"account_root_key": secrets.AccountRootKey,
		"vault_key":        secrets.VaultKey,
		"asym_keys":        secrets.AsymKeys,
		"box_key_shares":   secrets.BoxKeyShares,
	})
}

type endpointAddAsymKeyRequestPayload struct {
	PublicKey          string `json:"public_key" required:"true"`
	EncryptedSecretKey string `json:"encrypted_secret_key" required:"true"`
	AccountRootKeyHash string `json:"account_root_key_hash" required:"true"`
}

// EndpointAddAsymKey handles the 'POST /crypto/secret-storage/asym-keys' endpoint
func (server *Server) EndpointAddAsymKey(writer http.ResponseWriter, request *http.Request) {
	ident, secrets := server.secretStorageOwner(writer, request)
	if ident == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointAddAsymKeyRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if !server.checkRootKeyHash(writer, secrets, payload.AccountRootKeyHash) {
		return
	}

	secrets.AsymKeys[payload.PublicKey] = &secretstorage.AsymKey{EncryptedSecretKey: payload.EncryptedSecretKey}
	if server.saveSecretStorage(writer, ident, secrets) {
		server.writer.WriteJSON(writer, secrets.AsymKeys[payload.PublicKey])
	}
}

type endpointDeleteAsymKeysRequestPayload struct {
	PublicKeys []string `json:"public_keys" required:"true"`
}

// EndpointDeleteAsymKeys handles the 'DELETE /crypto/secret-storage/asym-keys' endpoint.
// Nothing is deleted if one of the keys is unknown.
func (server *Server) EndpointDeleteAsymKeys(writer http.ResponseWriter, request *http.Request) {
	ident, secrets := server.secretStorageOwner(writer, request)
	if ident == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointDeleteAsymKeysRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	for _, pubkey := range payload.PublicKeys {
		if _, ok := secrets.AsymKeys[pubkey]; !ok {
			server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginBody, "asymmetric key not found").Detail("public_keys", schema.DetailNotFound))
			return
		}
	}

	for _, pubkey := range payload.PublicKeys {
		delete(secrets.AsymKeys, pubkey)
	}
	if server.saveSecretStorage(writer, ident, secrets) {
		server.writer.WriteNoContent(writer)
	}
}

type endpointSetBoxKeyShareRequestPayload struct {
	InvitationShareHash      string `json:"invitation_share_hash" required:"true"`
	EncryptedInvitationShare string `json:"encrypted_invitation_share" required:"true"`
	AccountRootKeyHash       string `json:"account_root_key_hash" required:"true"`
}

// EndpointSetBoxKeyShare handles the 'PUT /crypto/secret-storage/box-key-shares/{box}' endpoint
func (server *Server) EndpointSetBoxKeyShare(writer http.ResponseWriter, request *http.Request) {
	ident, secrets := server.secretStorageOwner(writer, request)
	if ident == nil {
		return
	}
	boxID := chi.URLParam(request, "box")
	if _, err := uuid.Parse(boxID); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginPath, "box id is not an uuid").Detail("box_id", schema.DetailMalformed))
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointSetBoxKeyShareRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if !server.checkRootKeyHash(writer, secrets, payload.AccountRootKeyHash) {
		return
	}

	secrets.BoxKeyShares[boxID] = &secretstorage.BoxKeyShare{
		EncryptedInvitationShare: payload.EncryptedInvitationShare,
		InvitationShareHash:      payload.InvitationShareHash,
	}
	if server.saveSecretStorage(writer, ident, secrets) {
		server.writer.WriteJSON(writer, secrets.BoxKeyShares[boxID])
	}
}

type endpointDeleteBoxKeySharesRequestPayload struct {
	BoxIDs []string `json:"box_ids" required:"true"`
}

// EndpointDeleteBoxKeyShares handles the 'DELETE /crypto/secret-storage/box-key-shares' endpoint.
// Nothing is deleted if one of the shares is unknown.
func (server *Server) EndpointDeleteBoxKeyShares(writer http.ResponseWriter, request *http.Request) {
	ident, secrets := server.secretStorageOwner(writer, request)
	if ident == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointDeleteBoxKeySharesRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	for _, boxID := range payload.BoxIDs {
		if _, ok := secrets.BoxKeyShares[boxID]; !ok {
			server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginBody, "box key share not found").Detail("box_ids", schema.DetailNotFound))
			return
		}
	}

	for _, boxID := range payload.BoxIDs {
		delete(secrets.BoxKeyShares, boxID)
	}
	if server.saveSecretStorage(writer, ident, secrets) {
		server.writer.WriteNoContent(writer)
	}
}

// EndpointMigrateSecretStorage handles the 'POST /crypto/migration/v2' endpoint.
// It replaces the legacy backup of an account with secret storage data.
func (server *Server) EndpointMigrateSecretStorage(writer http.ResponseWriter, request *http.Request) {
	if server.requesterAccount(writer, request) == "" {
		return
	}
	ident := server.identity(accessToken(request).IdentityID)
	var current struct {
		AccountRootKey *secretstorage.EncryptedKey `json:"account_root_key"`
	}
	_ = json.Unmarshal(ident.Secrets, &current)
	if current.AccountRootKey != nil {
		server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginNotDef, "the account is already migrated").Detail("account_id", schema.DetailConflict))
		return
	}

	raw, err := io.ReadAll(request.Body)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	data := &secretstorage.FullData{ResetData: new(secretstorage.ResetData)}
	if err := json.Unmarshal(raw, data); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "request body is not valid JSON").Detail("body", schema.DetailMalformed))
		return
	}
	validationErr := schema.BadRequest(schema.OriginBody, "incomplete secret storage")
	if data.AccountRootKey == nil {
		validationErr.Detail("account_root_key", schema.DetailRequired)
	}
	if data.VaultKey == nil {
		validationErr.Detail("vault_key", schema.DetailRequired)
	}
	if data.Pubkey == "" {
		validationErr.Detail("pubkey", schema.DetailRequired)
	}
	if data.NonIdentifiedPubkey == "" {
		validationErr.Detail("non_identified_pubkey", schema.DetailRequired)
	}
	if len(validationErr.Details) > 0 {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	updated := *ident
	if err := updated.storeSecrets(&passwordMetadata{SecretStorage: raw}); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if err := server.save(tableIdentities, &updated); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}
