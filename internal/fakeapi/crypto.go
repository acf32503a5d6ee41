package fakeapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"net/http"
	"sort"
)

// requesterAccount returns the account of the requesting identity or writes a forbidden error if it has none
func (server *Server) requesterAccount(writer http.ResponseWriter, request *http.Request) string {
	ident := server.identity(accessToken(request).IdentityID)
	if ident == nil || ident.AccountID == "" {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginHeaders, "identity has no account").Detail("account_id", schema.DetailForbidden))
		return ""
	}
	return ident.AccountID
}

// lookupOwnAccount checks the account of the request path is the one of the requester
func (server *Server) lookupOwnAccount(writer http.ResponseWriter, request *http.Request) string {
	accountID := server.requesterAccount(writer, request)
	if accountID == "" {
		return ""
	}
	if chi.URLParam(request, "account") != accountID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginPath, "account does not belong to the identity").Detail("account_id", schema.DetailForbidden))
		return ""
	}
	return accountID
}

// EndpointListCryptoActions handles the 'GET /accounts/{account}/crypto/actions' endpoint
func (server *Server) EndpointListCryptoActions(writer http.ResponseWriter, request *http.Request) {
	accountID := server.lookupOwnAccount(writer, request)
	if accountID == "" {
		return
	}
	actions := []*cryptoAction{}
	for _, obj := range server.all(tableCryptoActions, "account", accountID) {
		actions = append(actions, obj.(*cryptoAction))
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	server.writer.WriteJSON(writer, actions)
}

func (server *Server) lookupCryptoAction(writer http.ResponseWriter, request *http.Request) *cryptoAction {
	accountID := server.lookupOwnAccount(writer, request)
	if accountID == "" {
		return nil
	}
	action, _ := server.first(tableCryptoActions, "id", chi.URLParam(request, "id")).(*cryptoAction)
	if action == nil || action.AccountID != accountID {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return nil
	}
	return action
}

// EndpointGetCryptoAction handles the 'GET /accounts/{account}/crypto/actions/{id}' endpoint
func (server *Server) EndpointGetCryptoAction(writer http.ResponseWriter, request *http.Request) {
	action := server.lookupCryptoAction(writer, request)
	if action == nil {
		return
	}
	server.writer.WriteJSON(writer, action)
}

// EndpointDeleteCryptoAction handles the 'DELETE /accounts/{account}/crypto/actions/{id}' endpoint
func (server *Server) EndpointDeleteCryptoAction(writer http.ResponseWriter, request *http.Request) {
	action := server.lookupCryptoAction(writer, request)
	if action == nil {
		return
	}
	if err := server.remove(tableCryptoActions, action); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if err := server.markInvitationUsed(action.ID); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}

// EndpointCreateRootKeyShare handles the 'POST /crypto/root-key-shares' endpoint
func (server *Server) EndpointCreateRootKeyShare(writer http.ResponseWriter, request *http.Request) {
	accountID := server.requesterAccount(writer, request)
	if accountID == "" {
		return
	}
	share, validationErr, err := schema.UnmarshalBody[rootKeyShare](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if share.AccountID != accountID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "account does not belong to the identity").Detail("account_id", schema.DetailForbidden))
		return
	}
	if server.first(tableRootKeyShares, "id", share.OtherShareHash) != nil {
		server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginBody, "root key share already exists").Detail("other_share_hash", schema.DetailConflict))
		return
	}
	if err := server.save(tableRootKeyShares, share); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, share)
}

// EndpointGetRootKeyShare handles the 'GET /crypto/root-key-shares/{hash}' endpoint.
// Shares of other accounts are reported as not found.
func (server *Server) EndpointGetRootKeyShare(writer http.ResponseWriter, request *http.Request) {
	accountID := server.requesterAccount(writer, request)
	if accountID == "" {
		return
	}
	share, _ := server.first(tableRootKeyShares, "id", chi.URLParam(request, "hash")).(*rootKeyShare)
	if share == nil || share.AccountID != accountID {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}
	server.writer.WriteJSON(writer, share)
}

// EndpointCreateBackupKeyShare handles the 'POST /backup-key-shares' endpoint
func (server *Server) EndpointCreateBackupKeyShare(writer http.ResponseWriter, request *http.Request) {
	accountID := server.requesterAccount(writer, request)
	if accountID == "" {
		return
	}
	share, validationErr, err := schema.UnmarshalBody[backupKeyShare](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if share.AccountID != accountID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "account does not belong to the identity").Detail("account_id", schema.DetailForbidden))
		return
	}
	if server.first(tableBackupShares, "id", share.OtherShareHash) != nil {
		server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginBody, "backup key share already exists").Detail("other_share_hash", schema.DetailConflict))
		return
	}
	if err := server.save(tableBackupShares, share); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, share)
}

// EndpointGetBackupKeyShare handles the 'GET /backup-key-shares/{hash}' endpoint.
// Shares of other accounts are reported as not found.
func (server *Server) EndpointGetBackupKeyShare(writer http.ResponseWriter, request *http.Request) {
	accountID := server.requesterAccount(writer, request)
	if accountID == "" {
		return
	}
	share, _ := server.first(tableBackupShares, "id", chi.URLParam(request, "hash")).(*backupKeyShare)
	if share == nil || share.AccountID != accountID {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}
	server.writer.WriteJSON(writer, share)
}
