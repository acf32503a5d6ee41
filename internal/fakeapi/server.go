// Package fakeapi provides an in-process stand-in for the backend, its authorization server and its frontend.
// It implements the subset of the HTTP surface the tooling exercises and is used to test the tooling itself.
package fakeapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/misakey/apitest/internal/config"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"github.com/rs/zerolog/log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
)

const (
	// ClientID is the OAuth2 client the fake authorization server accepts
	ClientID = "cc411b8f-28bf-4d4e-abd9-99226b41da27"

	// SelfClientID is the organization of the frontend client itself.
	// Boxes are owned by it unless another one is given.
	SelfClientID = ClientID

	keyID = "fakeapi"
)

type contextKey string

const contextKeyToken contextKey = "token"

// Server represents the fake backend.
// The API, the authorization server and the frontend are served on distinct listeners like in a real deployment.
type Server struct {
	API  *httptest.Server
	Auth *httptest.Server
	App  *httptest.Server

	// SkipResetPrompt makes password reset flows accept the login right after the emailed code.
	// The reset step is still accepted afterwards, authenticated by the authentication step cookie.
	SkipResetPrompt atomic.Bool
	// DropAuthnCookies stops setting the authentication step cookies, leaving clients with the returned access_token.
	DropAuthnCookies atomic.Bool

	db              *memdb.MemDB
	signingKey      *rsa.PrivateKey
	writer          *schema.Writer
	notificationSeq atomic.Int64
}

// New starts a new fake backend
func New() (*Server, error) {
	db, err := memdb.NewMemDB(dbSchema)
	if err != nil {
		return nil, err
	}
	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	server := &Server{
		db:         db,
		signingKey: signingKey,
		writer: &schema.Writer{
			InternalErrorHook: func(err error) {
				log.Error().Err(err).Msg("the fake API experienced an unexpected error")
			},
		},
	}
	server.API = httptest.NewServer(server.apiRouter())
	server.Auth = httptest.NewServer(server.authRouter())
	server.App = httptest.NewServer(server.appRouter())
	return server, nil
}

// Close shuts down every listener of the fake backend
func (server *Server) Close() {
	server.API.Close()
	server.Auth.Close()
	server.App.Close()
}

// Issuer returns the issuer of the ID tokens the fake authorization server signs
func (server *Server) Issuer() string {
	return server.Auth.URL + "/"
}

// Config returns a configuration pointing the tooling at the fake backend
func (server *Server) Config() *config.Config {
	return &config.Config{
		Environment:   "test",
		APIURL:        server.API.URL,
		AuthURL:       server.Auth.URL,
		AppURL:        server.App.URL,
		ClientID:      ClientID,
		RedirectURL:   server.API.URL + "/auth/callback",
		Scopes:        []string{"openid", "tos", "privacy_policy"},
		VerifyIDToken: false,
		DBMode:        config.DBModePostgres,
		LogDir:        os.TempDir(),
		InsecureTLS:   false,
	}
}

// PublicKey returns the key ID tokens are signed with
func (server *Server) PublicKey() *rsa.PublicKey {
	return &server.signingKey.PublicKey
}

func (server *Server) newRouter() *chi.Mux {
	router := chi.NewRouter()
	router.NotFound(func(writer http.ResponseWriter, _ *http.Request) {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
	})
	router.MethodNotAllowed(func(writer http.ResponseWriter, _ *http.Request) {
		server.writer.WriteError(writer, http.StatusMethodNotAllowed, schema.ErrMethodNotAllowed)
	})
	return router
}

func (server *Server) apiRouter() http.Handler {
	router := server.newRouter()
	router.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return origin == server.App.URL
		},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	router.Use(server.MiddlewareCSRF)

	// Login & consent flow
	router.Get("/auth/callback", server.EndpointCallback)
	router.Put("/auth/identities", server.EndpointIdentify)
	router.Post("/authn-steps", server.EndpointInitAuthnStep)
	router.Post("/auth/login/authn-step", server.EndpointAssertAuthnStep)
	router.Get("/auth/secret-storage", server.EndpointGetAuthnSecretStorage)
	router.Post("/auth/consent", server.EndpointConsent)

	// Identities
	router.Get("/identities/pubkey", server.MiddlewareAuthenticate(server.EndpointLookupPubkeys))
	router.Get("/identities/{id}", server.MiddlewareAuthenticate(server.EndpointGetIdentity))
	router.Patch("/identities/{id}", server.MiddlewareAuthenticate(server.EndpointPatchIdentity))
	router.Get("/identities/{id}/profile", server.MiddlewareAuthenticate(server.EndpointGetProfile))
	router.Get("/identities/{id}/profile/config", server.MiddlewareAuthenticate(server.EndpointGetProfileConfig))
	router.Patch("/identities/{id}/profile/config", server.MiddlewareAuthenticate(server.EndpointPatchProfileConfig))
	router.Get("/identities/{id}/organizations", server.MiddlewareAuthenticate(server.EndpointListIdentityOrganizations))
	router.Head("/identities/{id}/notifications", server.MiddlewareAuthenticate(server.EndpointCountNotifications))
	router.Get("/identities/{id}/notifications", server.MiddlewareAuthenticate(server.EndpointListNotifications))
	router.Put("/identities/{id}/notifications/acknowledgement", server.MiddlewareAuthenticate(server.EndpointAcknowledgeNotifications))

	// Boxes
	router.Post("/boxes", server.MiddlewareIdentityOnly(server.EndpointCreateBox))
	router.Get("/boxes/joined", server.MiddlewareAuthenticate(server.EndpointListJoinedBoxes))
	router.Get("/boxes/{id}", server.MiddlewareIdentityOnly(server.EndpointGetBox))
	router.Post("/boxes/{id}/events", server.MiddlewareAuthenticate(server.EndpointPostEvent))
	router.Post("/boxes/{id}/encrypted-files", server.MiddlewareAuthenticate(server.EndpointUploadEncryptedFile))
	router.Get("/encrypted-files/{id}", server.MiddlewareAuthenticate(server.EndpointDownloadEncryptedFile))
	router.Get("/boxes/{id}/events", server.MiddlewareAuthenticate(server.EndpointListEvents))
	router.Post("/boxes/{id}/batch-events", server.MiddlewareAuthenticate(server.EndpointBatchEvents))
	router.Get("/boxes/{id}/accesses", server.MiddlewareAuthenticate(server.EndpointListAccesses))
	router.Get("/boxes/{id}/members", server.MiddlewareAuthenticate(server.EndpointListMembers))
	router.Get("/box-key-shares/encrypted-invitation-key-share", server.MiddlewareAuthenticate(server.EndpointGetEncryptedInvitationKeyShare))
	router.Get("/box-key-shares/{hash}", server.MiddlewareAuthenticate(server.EndpointGetKeyShare))

	// Organizations
	router.Post("/organizations", server.MiddlewareAuthenticate(server.EndpointCreateOrganization))
	router.Put("/organizations/{id}/secret", server.MiddlewareAuthenticate(server.EndpointGenerateOrganizationSecret))
	router.Post("/organizations/{id}/boxes", server.MiddlewareAuthenticate(server.EndpointCreateOrganizationBox))
	router.Get("/organizations/{id}/boxes/{box}", server.MiddlewareAuthenticate(server.EndpointGetOrganizationBox))
	router.Post("/organizations/{id}/datatags", server.MiddlewareAuthenticate(server.EndpointCreateDatatag))
	router.Get("/organizations/{id}/datatags", server.MiddlewareAuthenticate(server.EndpointListDatatags))
	router.Patch("/organizations/{id}/datatags/{datatag}", server.MiddlewareAuthenticate(server.EndpointEditDatatag))

	// Crypto actions
	router.Get("/accounts/{account}/crypto/actions", server.MiddlewareAuthenticate(server.EndpointListCryptoActions))
	router.Get("/accounts/{account}/crypto/actions/{id}", server.MiddlewareAuthenticate(server.EndpointGetCryptoAction))
	router.Delete("/accounts/{account}/crypto/actions/{id}", server.MiddlewareAuthenticate(server.EndpointDeleteCryptoAction))
	router.Post("/crypto/root-key-shares", server.MiddlewareAuthenticate(server.EndpointCreateRootKeyShare))
	router.Get("/crypto/root-key-shares/{hash}", server.MiddlewareAuthenticate(server.EndpointGetRootKeyShare))
	router.Post("/backup-key-shares", server.MiddlewareAuthenticate(server.EndpointCreateBackupKeyShare))
	router.Get("/backup-key-shares/{hash}", server.MiddlewareAuthenticate(server.EndpointGetBackupKeyShare))

	// Secret storage
	router.Get("/crypto/secret-storage", server.MiddlewareAuthenticate(server.EndpointGetSecretStorage))
	router.Post("/crypto/migration/v2", server.MiddlewareAuthenticate(server.EndpointMigrateSecretStorage))
	router.Post("/crypto/secret-storage/asym-keys", server.MiddlewareAuthenticate(server.EndpointAddAsymKey))
	router.Delete("/crypto/secret-storage/asym-keys", server.MiddlewareAuthenticate(server.EndpointDeleteAsymKeys))
	router.Put("/crypto/secret-storage/box-key-shares/{box}", server.MiddlewareAuthenticate(server.EndpointSetBoxKeyShare))
	router.Delete("/crypto/secret-storage/box-key-shares", server.MiddlewareAuthenticate(server.EndpointDeleteBoxKeyShares))

	return router
}

func (server *Server) authRouter() http.Handler {
	router := server.newRouter()
	router.Get("/.well-known/openid-configuration", server.EndpointDiscovery)
	router.Get("/.well-known/jwks.json", server.EndpointJWKS)
	router.Get("/_/oauth2/auth", server.EndpointAuthorize)
	router.Post("/_/oauth2/token", server.EndpointToken)
	return router
}

// appRouter serves the frontend, which is reported as down like in environments running the API alone
func (server *Server) appRouter() http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		writer.Write([]byte("502 Bad Gateway"))
	})
}

// MiddlewareCSRF enforces the anti-forgery token on cookie authenticated mutating requests and issues one if none is present
func (server *Server) MiddlewareCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		cookie, err := request.Cookie("_csrf")
		if err != nil || cookie.Value == "" {
			http.SetCookie(writer, &http.Cookie{Name: "_csrf", Value: uuid.NewString(), Path: "/"})
			next.ServeHTTP(writer, request)
			return
		}

		switch request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if !strings.HasPrefix(request.Header.Get("Authorization"), "Bearer ") && request.Header.Get("X-CSRF-Token") != cookie.Value {
				server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginHeaders, "invalid csrf token").Detail("X-CSRF-Token", schema.DetailInvalid))
				return
			}
		}
		next.ServeHTTP(writer, request)
	})
}

// MiddlewareAuthenticate resolves the access token sent as cookie or bearer token
func (server *Server) MiddlewareAuthenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		raw := strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			if cookie, err := request.Cookie("accesstoken"); err == nil {
				raw = cookie.Value
			}
		}
		if raw == "" {
			server.writer.WriteError(writer, http.StatusUnauthorized, schema.Unauthorized(schema.OriginHeaders, "missing access token"))
			return
		}

		tok, _ := server.first(tableTokens, "id", raw).(*token)
		if tok == nil {
			server.writer.WriteError(writer, http.StatusUnauthorized, schema.Unauthorized(schema.OriginHeaders, "invalid access token"))
			return
		}
		next(writer, request.WithContext(context.WithValue(request.Context(), contextKeyToken, tok)))
	}
}

// MiddlewareIdentityOnly authenticates the request and rejects organization tokens
func (server *Server) MiddlewareIdentityOnly(next http.HandlerFunc) http.HandlerFunc {
	return server.MiddlewareAuthenticate(func(writer http.ResponseWriter, request *http.Request) {
		if accessToken(request).IdentityID == "" {
			server.writer.WriteError(writer, http.StatusUnauthorized, schema.Unauthorized(schema.OriginHeaders, "organizations cannot use this route"))
			return
		}
		next(writer, request)
	})
}

func accessToken(request *http.Request) *token {
	tok, _ := request.Context().Value(contextKeyToken).(*token)
	return tok
}
