package fakeapi

import (
	"encoding/json"
	"github.com/go-chi/chi/v5"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"net/http"
	"strings"
)

// reservedPubkeyPrefix is reserved for keys whose algorithm is announced explicitly
const reservedPubkeyPrefix = "com.misakey."

// identityView renders an identity; identifiers are only disclosed to the identity itself
func identityView(ident *identity, self bool) map[string]any {
	view := map[string]any{
		"id":                            ident.ID,
		"display_name":                  ident.DisplayName,
		"avatar_url":                    nil,
		"pubkey":                        ident.Pubkey,
		"non_identified_pubkey":         ident.NonIdentifiedPubkey,
		"pubkey_aes_rsa":                ident.PubkeyAESRSA,
		"non_identified_pubkey_aes_rsa": ident.NonIdentifiedPubkeyAESRSA,
	}
	if self {
		view["account_id"] = ident.AccountID
		view["identifier_value"] = ident.Email
		view["identifier_kind"] = "email"
	}
	return view
}

// EndpointGetIdentity handles the 'GET /identities/{id}' endpoint
func (server *Server) EndpointGetIdentity(writer http.ResponseWriter, request *http.Request) {
	id := chi.URLParam(request, "id")
	if accessToken(request).IdentityID != id {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginPath, "identities can only be read by themselves").Detail("id", schema.DetailForbidden))
		return
	}
	ident := server.identity(id)
	if ident == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}
	server.writer.WriteJSON(writer, identityView(ident, true))
}

// EndpointGetProfile handles the 'GET /identities/{id}/profile' endpoint.
// Organizations have a public profile too, named after them.
func (server *Server) EndpointGetProfile(writer http.ResponseWriter, request *http.Request) {
	id := chi.URLParam(request, "id")
	if org := server.organization(id); org != nil {
		server.writer.WriteJSON(writer, map[string]any{"id": org.ID, "display_name": org.Name, "avatar_url": nil})
		return
	}
	ident := server.identity(id)
	if ident == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}
	view := map[string]any{
		"id":               ident.ID,
		"display_name":     ident.DisplayName,
		"avatar_url":       nil,
		"identifier_value": "",
		"identifier_kind":  "",
	}
	if ident.ShareEmail {
		view["identifier_value"] = ident.Email
		view["identifier_kind"] = "email"
	}
	server.writer.WriteJSON(writer, view)
}

// lookupOwnIdentity resolves the identity of the request path and checks it is the requester
func (server *Server) lookupOwnIdentity(writer http.ResponseWriter, request *http.Request) *identity {
	id := chi.URLParam(request, "id")
	if accessToken(request).IdentityID != id {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginPath, "profile configurations belong to their identity").Detail("id", schema.DetailForbidden))
		return nil
	}
	ident := server.identity(id)
	if ident == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return nil
	}
	return ident
}

// EndpointGetProfileConfig handles the 'GET /identities/{id}/profile/config' endpoint
func (server *Server) EndpointGetProfileConfig(writer http.ResponseWriter, request *http.Request) {
	ident := server.lookupOwnIdentity(writer, request)
	if ident == nil {
		return
	}
	server.writer.WriteJSON(writer, map[string]bool{"email": ident.ShareEmail})
}

type endpointPatchProfileConfigRequestPayload struct {
	Email *bool `json:"email" required:"true"`
}

// EndpointPatchProfileConfig handles the 'PATCH /identities/{id}/profile/config' endpoint
func (server *Server) EndpointPatchProfileConfig(writer http.ResponseWriter, request *http.Request) {
	ident := server.lookupOwnIdentity(writer, request)
	if ident == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointPatchProfileConfigRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	updated := *ident
	updated.ShareEmail = *payload.Email
	if err := server.save(tableIdentities, &updated); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}

// EndpointPatchIdentity handles the 'PATCH /identities/{id}' endpoint
func (server *Server) EndpointPatchIdentity(writer http.ResponseWriter, request *http.Request) {
	id := chi.URLParam(request, "id")
	if accessToken(request).IdentityID != id {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginPath, "identities can only be edited by themselves").Detail("id", schema.DetailForbidden))
		return
	}
	ident := server.identity(id)
	if ident == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}

	var payload struct {
		DisplayName         *string `json:"display_name"`
		Pubkey              *string `json:"pubkey"`
		NonIdentifiedPubkey *string `json:"non_identified_pubkey"`
	}
	if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "request body is not valid JSON").Detail("body", schema.DetailMalformed))
		return
	}

	updated := *ident
	validationErr := schema.BadRequest(schema.OriginBody, "invalid public key")
	if payload.Pubkey != nil {
		if strings.HasPrefix(*payload.Pubkey, reservedPubkeyPrefix) {
			validationErr.Detail("pubkey", schema.DetailInvalid)
		}
		updated.Pubkey = *payload.Pubkey
	}
	if payload.NonIdentifiedPubkey != nil {
		if strings.HasPrefix(*payload.NonIdentifiedPubkey, reservedPubkeyPrefix) {
			validationErr.Detail("non_identified_pubkey", schema.DetailInvalid)
		}
		updated.NonIdentifiedPubkey = *payload.NonIdentifiedPubkey
	}
	if len(validationErr.Details) > 0 {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if payload.DisplayName != nil {
		updated.DisplayName = *payload.DisplayName
	}

	if err := server.save(tableIdentities, &updated); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}

// EndpointLookupPubkeys handles the 'GET /identities/pubkey?identifier_value={email}' endpoint
func (server *Server) EndpointLookupPubkeys(writer http.ResponseWriter, request *http.Request) {
	value := strings.ToLower(request.URL.Query().Get("identifier_value"))
	if value == "" {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "missing identifier value").Detail("identifier_value", schema.DetailRequired))
		return
	}

	pubkeys := []string{}
	for _, obj := range server.all(tableIdentities, "email", value) {
		if ident := obj.(*identity); ident.Pubkey != "" {
			pubkeys = append(pubkeys, ident.Pubkey)
		}
	}
	server.writer.WriteJSON(writer, pubkeys)
}
