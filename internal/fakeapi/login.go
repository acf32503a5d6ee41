package fakeapi

import (
	"encoding/json"
	"errors"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"github.com/misakey/apitest/internal/random"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Authentication methods
const (
	MethodEmailedCode       = "emailed_code"
	MethodPrehashedPassword = "prehashed_password"
	MethodAccountCreation   = "account_creation"
	MethodResetPassword     = "reset_password"
)

var (
	errUnknownFlowIdentity = errors.New("flow references an unknown identity")
)

type authnStepView struct {
	IdentityID string `json:"identity_id"`
	MethodName string `json:"method_name"`
}

type endpointIdentifyRequestPayload struct {
	LoginChallenge  string `json:"login_challenge" required:"true"`
	IdentifierValue string `json:"identifier_value" required:"true"`
	PasswordReset   bool   `json:"password_reset"`
}

// EndpointIdentify handles the 'PUT /auth/identities' endpoint
func (server *Server) EndpointIdentify(writer http.ResponseWriter, request *http.Request) {
	payload, validationErr, err := schema.UnmarshalBody[endpointIdentifyRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	fl := server.flow("id", payload.LoginChallenge)
	if fl == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginBody, "unknown login challenge").Detail("login_challenge", schema.DetailNotFound))
		return
	}
	email := strings.ToLower(strings.TrimSpace(payload.IdentifierValue))
	if !strings.Contains(email, "@") {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "identifier is not an email").Detail("identifier_value", schema.DetailInvalid))
		return
	}

	ident, _ := server.first(tableIdentities, "email", email).(*identity)
	if ident == nil {
		ident = newIdentity(email)
		if err := server.createIdentity(ident); err != nil {
			server.writer.WriteInternalError(writer, err)
			return
		}
	}

	next := *fl
	next.IdentityID = ident.ID
	next.PasswordReset = payload.PasswordReset
	if err := server.save(tableFlows, &next); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}

	method := MethodEmailedCode
	if ident.AccountID != "" && !payload.PasswordReset {
		method = MethodPrehashedPassword
	} else if err := server.sendEmailedCode(ident.ID); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}

	server.writer.WriteJSON(writer, map[string]any{
		"identity":   identityView(ident, true),
		"authn_step": &authnStepView{IdentityID: ident.ID, MethodName: method},
	})
}

// sendEmailedCode records a new authentication step; the code is only readable through the storage backdoor
func (server *Server) sendEmailedCode(identityID string) error {
	return server.save(tableAuthnSteps, &authnStep{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Code:       random.String(6, []rune("0123456789")),
		CreatedAt:  time.Now(),
	})
}

func (server *Server) latestAuthnStep(identityID string) *authnStep {
	var latest *authnStep
	for _, obj := range server.all(tableAuthnSteps, "identity", identityID) {
		step := obj.(*authnStep)
		if latest == nil || step.CreatedAt.After(latest.CreatedAt) {
			latest = step
		}
	}
	return latest
}

type endpointInitAuthnStepRequestPayload struct {
	LoginChallenge string         `json:"login_challenge" required:"true"`
	AuthnStep      *authnStepView `json:"authn_step" required:"true"`
}

// EndpointInitAuthnStep handles the 'POST /authn-steps' endpoint
func (server *Server) EndpointInitAuthnStep(writer http.ResponseWriter, request *http.Request) {
	payload, validationErr, err := schema.UnmarshalBody[endpointInitAuthnStepRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	fl := server.flow("id", payload.LoginChallenge)
	if fl == nil || fl.IdentityID != payload.AuthnStep.IdentityID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "identity does not match the login challenge"))
		return
	}
	if payload.AuthnStep.MethodName != MethodEmailedCode {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "only emailed codes can be initialized").Detail("method_name", schema.DetailInvalid))
		return
	}
	if err := server.sendEmailedCode(fl.IdentityID); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}

type endpointAssertAuthnStepRequestPayload struct {
	LoginChallenge string `json:"login_challenge" required:"true"`
	AuthnStep      *struct {
		IdentityID string          `json:"identity_id" required:"true"`
		MethodName string          `json:"method_name" required:"true"`
		Metadata   json.RawMessage `json:"metadata" required:"true"`
	} `json:"authn_step" required:"true"`
}

type passwordMetadata struct {
	PrehashedPassword json.RawMessage `json:"prehashed_password"`
	BackupData        string          `json:"backup_data"`
	SecretStorage     json.RawMessage `json:"secret_storage"`
}

// EndpointAssertAuthnStep handles the 'POST /auth/login/authn-step' endpoint
func (server *Server) EndpointAssertAuthnStep(writer http.ResponseWriter, request *http.Request) {
	payload, validationErr, err := schema.UnmarshalBody[endpointAssertAuthnStepRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	fl := server.flow("id", payload.LoginChallenge)
	if fl == nil || fl.IdentityID != payload.AuthnStep.IdentityID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "identity does not match the login challenge"))
		return
	}
	ident := server.identity(fl.IdentityID)
	if ident == nil {
		server.writer.WriteInternalError(writer, errUnknownFlowIdentity)
		return
	}

	switch payload.AuthnStep.MethodName {
	case MethodEmailedCode:
		var metadata struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(payload.AuthnStep.Metadata, &metadata)
		latest := server.latestAuthnStep(ident.ID)
		if latest == nil || metadata.Code == "" || latest.Code != metadata.Code {
			server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "invalid emailed code").Detail("code", schema.DetailInvalid))
			return
		}

		next := *fl
		next.AMR = append(append([]string{}, fl.AMR...), MethodEmailedCode)
		server.issueAuthnToken(writer, &next)
		switch {
		case fl.PasswordReset && !server.SkipResetPrompt.Load():
			server.continueWithStep(writer, &next, MethodResetPassword)
		case fl.ACR >= 2 && ident.AccountID == "":
			server.continueWithStep(writer, &next, MethodAccountCreation)
		default:
			server.finishLogin(writer, &next)
		}

	case MethodAccountCreation, MethodResetPassword:
		cookie, err := request.Cookie("authnaccesstoken")
		if err != nil || fl.AuthnToken == "" || cookie.Value != fl.AuthnToken {
			server.writer.WriteError(writer, http.StatusUnauthorized, schema.Unauthorized(schema.OriginCookies, "missing authentication step token"))
			return
		}
		var metadata passwordMetadata
		if err := json.Unmarshal(payload.AuthnStep.Metadata, &metadata); err != nil || len(metadata.PrehashedPassword) == 0 {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "missing prehashed password").Detail("prehashed_password", schema.DetailRequired))
			return
		}
		if metadata.BackupData == "" && len(metadata.SecretStorage) == 0 {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "missing secrets").Detail("secret_storage", schema.DetailRequired))
			return
		}

		updated := *ident
		if payload.AuthnStep.MethodName == MethodAccountCreation {
			if ident.AccountID != "" {
				server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginBody, "identity already has an account").Detail("identity_id", schema.DetailConflict))
				return
			}
			updated.AccountID = uuid.NewString()
		} else if ident.AccountID == "" {
			server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "identity has no account to reset"))
			return
		}
		if err := updated.storeSecrets(&metadata); err != nil {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "malformed secret storage").Detail("secret_storage", schema.DetailMalformed))
			return
		}
		if err := server.save(tableIdentities, &updated); err != nil {
			server.writer.WriteInternalError(writer, err)
			return
		}
		if payload.AuthnStep.MethodName == MethodAccountCreation {
			if err := server.save(tableNotifications, server.newNotification(ident.ID, NotificationCreateAccount, nil)); err != nil {
				server.writer.WriteInternalError(writer, err)
				return
			}
		}

		next := *fl
		next.AMR = append(append([]string{}, fl.AMR...), MethodPrehashedPassword)
		next.ACR = 2
		server.finishLogin(writer, &next)

	default:
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "unsupported authentication method").Detail("method_name", schema.DetailInvalid))
	}
}

// storeSecrets stores the secrets sent alongside a new password and adopts the public keys they contain
func (ident *identity) storeSecrets(metadata *passwordMetadata) error {
	if len(metadata.SecretStorage) == 0 {
		raw, err := json.Marshal(map[string]string{"backup_data": metadata.BackupData})
		if err != nil {
			return err
		}
		ident.Secrets = raw
		return nil
	}

	var keys struct {
		Pubkey                    string `json:"pubkey"`
		NonIdentifiedPubkey       string `json:"non_identified_pubkey"`
		PubkeyAESRSA              string `json:"pubkey_aes_rsa"`
		NonIdentifiedPubkeyAESRSA string `json:"non_identified_pubkey_aes_rsa"`
	}
	if err := json.Unmarshal(metadata.SecretStorage, &keys); err != nil {
		return err
	}
	ident.Secrets = metadata.SecretStorage
	ident.Pubkey = keys.Pubkey
	ident.NonIdentifiedPubkey = keys.NonIdentifiedPubkey
	ident.PubkeyAESRSA = keys.PubkeyAESRSA
	ident.NonIdentifiedPubkeyAESRSA = keys.NonIdentifiedPubkeyAESRSA
	return nil
}

// issueAuthnToken sets the short-lived cookie authenticating the next steps of the flow
func (server *Server) issueAuthnToken(writer http.ResponseWriter, fl *flow) {
	fl.AuthnToken = random.Base64URL(32)
	if server.DropAuthnCookies.Load() {
		return
	}
	http.SetCookie(writer, &http.Cookie{Name: "authnaccesstoken", Value: fl.AuthnToken, Path: "/", HttpOnly: true})
	http.SetCookie(writer, &http.Cookie{Name: "authntokentype", Value: "bearer", Path: "/", HttpOnly: true})
}

// continueWithStep asks the client to perform another authentication step
func (server *Server) continueWithStep(writer http.ResponseWriter, fl *flow, method string) {
	if err := server.save(tableFlows, fl); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSON(writer, map[string]any{
		"next":         "authn_step",
		"access_token": fl.AuthnToken,
		"authn_step":   &authnStepView{IdentityID: fl.IdentityID, MethodName: method},
	})
}

func (server *Server) finishLogin(writer http.ResponseWriter, fl *flow) {
	fl.LoginVerifier = uuid.NewString()
	if err := server.save(tableFlows, fl); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSON(writer, map[string]any{
		"next":         "redirect",
		"access_token": fl.AuthnToken,
		"redirect_to":  server.Auth.URL + "/_/oauth2/auth?" + url.Values{"login_verifier": {fl.LoginVerifier}}.Encode(),
	})
}

// EndpointGetAuthnSecretStorage handles the 'GET /auth/secret-storage' endpoint
func (server *Server) EndpointGetAuthnSecretStorage(writer http.ResponseWriter, request *http.Request) {
	cookie, err := request.Cookie("authnaccesstoken")
	if err != nil || cookie.Value == "" {
		server.writer.WriteError(writer, http.StatusUnauthorized, schema.Unauthorized(schema.OriginCookies, "missing authentication step token"))
		return
	}
	fl := server.flow("authnToken", cookie.Value)
	if fl == nil {
		server.writer.WriteError(writer, http.StatusUnauthorized, schema.Unauthorized(schema.OriginCookies, "invalid authentication step token"))
		return
	}
	query := request.URL.Query()
	if query.Get("login_challenge") == "" {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "missing login challenge").Detail("login_challenge", schema.DetailRequired))
		return
	}
	if _, err := uuid.Parse(query.Get("identity_id")); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "invalid identity id").Detail("identity_id", schema.DetailInvalid))
		return
	}
	if query.Get("login_challenge") != fl.LoginChallenge {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginQuery, "login challenge does not match the token").Detail("login_challenge", schema.DetailInvalid))
		return
	}
	if query.Get("identity_id") != fl.IdentityID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginQuery, "identity does not match the token").Detail("identity_id", schema.DetailForbidden))
		return
	}
	ident := server.identity(fl.IdentityID)
	if ident == nil || ident.AccountID == "" {
		server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginQuery, "identity has no account"))
		return
	}
	server.writer.WriteJSON(writer, map[string]any{
		"secrets":    ident.Secrets,
		"account_id": ident.AccountID,
	})
}

type endpointConsentRequestPayload struct {
	ConsentChallenge string   `json:"consent_challenge" required:"true"`
	IdentityID       string   `json:"identity_id" required:"true"`
	ConsentedScopes  []string `json:"consented_scopes"`
}

// EndpointConsent handles the 'POST /auth/consent' endpoint
func (server *Server) EndpointConsent(writer http.ResponseWriter, request *http.Request) {
	payload, validationErr, err := schema.UnmarshalBody[endpointConsentRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	fl := server.flow("consentChallenge", payload.ConsentChallenge)
	if fl == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginBody, "unknown consent challenge").Detail("consent_challenge", schema.DetailNotFound))
		return
	}
	if fl.IdentityID != payload.IdentityID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "identity does not match the consent challenge"))
		return
	}
	ident := server.identity(fl.IdentityID)
	if ident == nil {
		server.writer.WriteInternalError(writer, errUnknownFlowIdentity)
		return
	}

	consented := *ident
	consented.Consented = true
	next := *fl
	next.ConsentChallenge = ""
	next.ConsentVerifier = uuid.NewString()
	if err := server.save(tableIdentities, &consented); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if err := server.save(tableFlows, &next); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSON(writer, map[string]any{
		"redirect_to": server.Auth.URL + "/_/oauth2/auth?" + url.Values{"consent_verifier": {next.ConsentVerifier}}.Encode(),
	})
}
