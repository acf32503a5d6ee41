package fakeapi

import (
	"encoding/base64"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"github.com/misakey/apitest/internal/idtoken"
	"github.com/misakey/apitest/internal/random"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EndpointDiscovery handles the 'GET /.well-known/openid-configuration' endpoint
func (server *Server) EndpointDiscovery(writer http.ResponseWriter, _ *http.Request) {
	server.writer.WriteJSON(writer, map[string]any{
		"issuer":                                server.Issuer(),
		"authorization_endpoint":                server.Auth.URL + "/_/oauth2/auth",
		"token_endpoint":                        server.Auth.URL + "/_/oauth2/token",
		"jwks_uri":                              server.Auth.URL + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// EndpointJWKS handles the 'GET /.well-known/jwks.json' endpoint
func (server *Server) EndpointJWKS(writer http.ResponseWriter, _ *http.Request) {
	key := server.signingKey.PublicKey
	server.writer.WriteJSON(writer, map[string]any{
		"keys": []map[string]string{
			{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": keyID,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			},
		},
	})
}

// EndpointAuthorize handles the 'GET /_/oauth2/auth' endpoint.
// Depending on its query it starts a flow, resumes it after the login or resumes it after the consent.
func (server *Server) EndpointAuthorize(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()

	if verifier := query.Get("login_verifier"); verifier != "" {
		fl := server.flow("loginVerifier", verifier)
		if fl == nil {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "unknown login verifier").Detail("login_verifier", schema.DetailInvalid))
			return
		}
		ident := server.identity(fl.IdentityID)
		if ident != nil && ident.Consented {
			server.redirectWithCode(writer, request, fl)
			return
		}

		next := *fl
		next.LoginVerifier = ""
		next.ConsentChallenge = uuid.NewString()
		if err := server.save(tableFlows, &next); err != nil {
			server.writer.WriteInternalError(writer, err)
			return
		}
		http.Redirect(writer, request, server.App.URL+"/auth/consent?"+url.Values{"consent_challenge": {next.ConsentChallenge}}.Encode(), http.StatusFound)
		return
	}

	if verifier := query.Get("consent_verifier"); verifier != "" {
		fl := server.flow("consentVerifier", verifier)
		if fl == nil {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "unknown consent verifier").Detail("consent_verifier", schema.DetailInvalid))
			return
		}
		server.redirectWithCode(writer, request, fl)
		return
	}

	// Invalid authorization requests are reported to the frontend's error page
	fail := func(code, desc string) {
		values := url.Values{"error": {code}, "error_description": {desc}}
		http.Redirect(writer, request, server.App.URL+"/auth/error?"+values.Encode(), http.StatusFound)
	}
	if query.Get("client_id") != ClientID {
		fail("invalid_client", "unknown client")
		return
	}
	if query.Get("redirect_uri") != server.API.URL+"/auth/callback" {
		fail("invalid_request", "redirect uri does not match")
		return
	}
	if query.Get("response_type") != "code" {
		fail("unsupported_response_type", "only the code response type is supported")
		return
	}
	acr := 1
	if raw := query.Get("acr_values"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 2 {
			fail("invalid_request", "unsupported acr values")
			return
		}
		acr = parsed
	}

	fl := &flow{
		LoginChallenge: uuid.NewString(),
		ClientID:       ClientID,
		RedirectURI:    query.Get("redirect_uri"),
		State:          query.Get("state"),
		Scopes:         strings.Fields(query.Get("scope")),
		ACR:            acr,
	}
	if err := server.save(tableFlows, fl); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	http.Redirect(writer, request, server.App.URL+"/auth/login?"+url.Values{"login_challenge": {fl.LoginChallenge}}.Encode(), http.StatusFound)
}

func (server *Server) redirectWithCode(writer http.ResponseWriter, request *http.Request, fl *flow) {
	next := *fl
	next.LoginVerifier = ""
	next.ConsentVerifier = ""
	next.Code = uuid.NewString()
	if err := server.save(tableFlows, &next); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	values := url.Values{"code": {next.Code}, "state": {next.State}, "scope": {strings.Join(next.Scopes, " ")}}
	http.Redirect(writer, request, next.RedirectURI+"?"+values.Encode(), http.StatusFound)
}

// EndpointToken handles the 'POST /_/oauth2/token' endpoint.
// Only the client credentials grant of organizations is supported; authorization codes are redeemed by the API callback.
func (server *Server) EndpointToken(writer http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		server.writeOAuth2Error(writer, http.StatusBadRequest, "invalid_request")
		return
	}
	if request.PostForm.Get("grant_type") != "client_credentials" {
		server.writeOAuth2Error(writer, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID := request.PostForm.Get("client_id")
	clientSecret := request.PostForm.Get("client_secret")
	if clientID == "" {
		clientID, clientSecret, _ = request.BasicAuth()
	}
	org := server.organization(clientID)
	if org == nil || org.Secret == "" || org.Secret != clientSecret {
		server.writeOAuth2Error(writer, http.StatusUnauthorized, "invalid_client")
		return
	}

	tok := &token{Token: random.Base64URL(32), OrgID: org.ID}
	if err := server.save(tableTokens, tok); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	writer.Header().Set("Cache-Control", "no-store")
	server.writer.WriteJSON(writer, map[string]any{
		"access_token": tok.Token,
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func (server *Server) writeOAuth2Error(writer http.ResponseWriter, code int, errorCode string) {
	server.writer.WriteJSONCode(writer, code, map[string]string{"error": errorCode})
}

// EndpointCallback handles the 'GET /auth/callback?code={code}&state={state}' endpoint.
// It redeems the authorization code, stores the access token as cookie and hands the ID token to the frontend.
func (server *Server) EndpointCallback(writer http.ResponseWriter, request *http.Request) {
	code := request.URL.Query().Get("code")
	fl := server.flow("code", code)
	if code == "" || fl == nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "invalid authorization code").Detail("code", schema.DetailInvalid))
		return
	}
	if err := server.remove(tableFlows, fl); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	ident := server.identity(fl.IdentityID)
	if ident == nil {
		server.writer.WriteInternalError(writer, errUnknownFlowIdentity)
		return
	}

	tok := &token{Token: random.Base64URL(32), IdentityID: ident.ID, ACR: fl.ACR}
	if err := server.save(tableTokens, tok); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	idToken, err := server.signIDToken(ident, fl)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}

	http.SetCookie(writer, &http.Cookie{Name: "accesstoken", Value: tok.Token, Path: "/", HttpOnly: true})
	http.SetCookie(writer, &http.Cookie{Name: "tokentype", Value: "bearer", Path: "/", HttpOnly: true})
	fragment := url.Values{
		"id_token":   {idToken},
		"state":      {request.URL.Query().Get("state")},
		"expires_in": {"3600"},
		"scope":      {strings.Join(fl.Scopes, " ")},
	}
	http.Redirect(writer, request, server.App.URL+"/#"+fragment.Encode(), http.StatusFound)
}

func (server *Server) signIDToken(ident *identity, fl *flow) (string, error) {
	now := time.Now()
	claims := &idtoken.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    server.Issuer(),
			Subject:   ident.ID,
			Audience:  jwt.ClaimStrings{fl.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ACR:   strconv.Itoa(fl.ACR),
		AMR:   fl.AMR,
		SID:   fl.LoginChallenge,
		Email: ident.Email,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(server.signingKey)
}
