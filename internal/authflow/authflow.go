// Package authflow drives the login and consent flows of the backend the way a browser would,
// producing authenticated sessions for test scripts.
package authflow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/config"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/idtoken"
	"github.com/misakey/apitest/internal/password"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/secretstorage"
	"github.com/misakey/apitest/internal/session"
	"github.com/misakey/apitest/internal/storage"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Authentication methods
const (
	MethodEmailedCode     = "emailed_code"
	MethodAccountCreation = "account_creation"
	MethodResetPassword   = "reset_password"
)

const (
	// AccessTokenCookie is the cookie the backend stores the access token in at the end of the flow
	AccessTokenCookie = "accesstoken"

	// fakeBackupData is sent as backup when the legacy backup is used instead of the secret storage
	fakeBackupData = "fake backup data"
)

var (
	ErrIncompatibleOptions = errors.New("require account cannot be combined with explicit ACR values")
	ErrResetWithoutEmail   = errors.New("a password reset needs the email of an existing account")
	ErrNoSecretStorage     = errors.New("the secret storage can only be read after an account creation or a password reset")
	ErrNoAccessToken       = errors.New("no access token cookie was set at the end of the flow")
	ErrStepRepeated        = errors.New("the server asked for an authentication step that was already performed")
)

// Options represents the options of a login flow
type Options struct {
	// Email is the identifier to log in with; a random one is used if empty
	Email string

	// RequireAccount makes the flow create an account if the identity has none (ACR 2)
	RequireAccount bool

	// ACR is the requested authentication context class; 0 lets the server choose
	ACR int

	// ResetPassword resets the password of the account of Email
	ResetPassword bool

	// UseSecretBackup sends a legacy backup instead of secret storage data on account creation
	UseSecretBackup bool

	// GetSecretStorage reads and checks the secret storage after an account creation or a password reset
	GetSecretStorage bool

	// VerifyIDToken verifies the signature of the ID token against the authorization server's keys
	VerifyIDToken bool
}

func (opts *Options) acr() (int, error) {
	if opts.RequireAccount {
		if opts.ACR != 0 {
			return 0, ErrIncompatibleOptions
		}
		return 2, nil
	}
	return opts.ACR, nil
}

// Credentials represents the outcome of a login flow
type Credentials struct {
	Email       string
	AccessToken string
	IDToken     string
	IdentityID  string
	AccountID   string
	DisplayName string
	ConsentDone bool

	// Session is authenticated as the logged in identity
	Session *session.Session
}

// Driver performs login flows against the configured backend
type Driver struct {
	Config  *config.Config
	Storage storage.Driver
	Log     *transcript.Log

	// NewHTTPClient creates the HTTP client of every new session; the configured default is used if nil
	NewHTTPClient func() *http.Client
}

func (driver *Driver) newHTTPClient() *http.Client {
	if driver.NewHTTPClient != nil {
		return driver.NewHTTPClient()
	}
	return httpcall.NewHTTPClient(driver.Config.InsecureTLS)
}

// NewSession creates a new unauthenticated session against the API
func (driver *Driver) NewSession() *session.Session {
	sess := session.New(httpcall.New(driver.newHTTPClient(), driver.Log), driver.Config.APIURL)
	sess.SelfClientID = driver.Config.ClientID
	return sess
}

func (driver *Driver) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    driver.Config.ClientID,
		RedirectURL: driver.Config.RedirectURL,
		Scopes:      driver.Config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   driver.Config.AuthURL + "/_/oauth2/auth",
			TokenURL:  driver.Config.AuthURL + "/_/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

type identifyResponse struct {
	AuthnStep struct {
		IdentityID string `json:"identity_id"`
		MethodName string `json:"method_name"`
	} `json:"authn_step"`
}

type assertResponse struct {
	Next        string `json:"next"`
	RedirectTo  string `json:"redirect_to"`
	AccessToken string `json:"access_token"`
	AuthnStep   struct {
		MethodName string `json:"method_name"`
	} `json:"authn_step"`
}

// authnCookies sends the step token of the last response the way the browser would
func (res *assertResponse) authnCookies() []httpcall.Option {
	if res.AccessToken == "" {
		return nil
	}
	return []httpcall.Option{
		httpcall.Cookie("authnaccesstoken", res.AccessToken),
		httpcall.Cookie("authntokentype", "bearer"),
	}
}

// Login performs a whole login flow and returns the credentials it produced
func (driver *Driver) Login(ctx context.Context, opts *Options) (*Credentials, error) {
	if opts == nil {
		opts = &Options{}
	}
	acr, err := opts.acr()
	if err != nil {
		return nil, err
	}
	email := opts.Email
	if email == "" {
		if opts.ResetPassword {
			return nil, ErrResetWithoutEmail
		}
		email = random.Email()
	}

	sess := driver.NewSession()
	sess.Email = email

	// Start the authorization request; only the login challenge of the frontend URL matters
	challenge, err := driver.start(ctx, sess, acr)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("email", email).Str("login_challenge", challenge).Msg("started the login flow")

	identityID, method, err := identify(ctx, sess, challenge, email, opts.ResetPassword)
	if err != nil {
		return nil, err
	}
	sess.IdentityID = identityID

	if method != MethodEmailedCode {
		_, err := sess.Post(ctx, "/authn-steps",
			httpcall.JSON(map[string]any{
				"login_challenge": challenge,
				"authn_step": map[string]string{
					"identity_id": identityID,
					"method_name": MethodEmailedCode,
				},
			}),
			httpcall.Expect(http.StatusNoContent),
		)
		if err != nil {
			return nil, err
		}
	}

	code, err := authnstep.EmailedCode(ctx, driver.Storage.AuthnSteps(), identityID)
	if err != nil {
		return nil, fmt.Errorf("retrieving the emailed code: %w", err)
	}
	next, err := assertStep(ctx, sess, challenge, identityID, MethodEmailedCode, map[string]any{"code": code})
	if err != nil {
		return nil, err
	}

	// Password reset and account creation are authenticated by the token the previous step returned
	submitted := map[string]bool{}
	authn := next.authnCookies()
	if opts.ResetPassword {
		next, err = assertStep(ctx, sess, challenge, identityID, MethodResetPassword, passwordStepMetadata(MethodResetPassword, false), authn...)
		if err != nil {
			return nil, err
		}
		submitted[MethodResetPassword] = true
		if cookies := next.authnCookies(); cookies != nil {
			authn = cookies
		}
	}
	for next.Next == "authn_step" {
		method := next.AuthnStep.MethodName
		if submitted[method] {
			return nil, fmt.Errorf("%w: %s", ErrStepRepeated, method)
		}
		next, err = assertStep(ctx, sess, challenge, identityID, method, passwordStepMetadata(method, opts.UseSecretBackup), authn...)
		if err != nil {
			return nil, err
		}
		submitted[method] = true
		if cookies := next.authnCookies(); cookies != nil {
			authn = cookies
		}
	}
	if opts.GetSecretStorage {
		if len(submitted) == 0 {
			return nil, ErrNoSecretStorage
		}
		res, err := sess.Get(ctx, "/auth/secret-storage", append(authn,
			httpcall.Query(url.Values{"login_challenge": {challenge}, "identity_id": {identityID}}),
			httpcall.Expect(http.StatusOK),
		)...)
		if err != nil {
			return nil, err
		}
		if err := checks.Check(res, checks.KeysEqual("@this", "secrets", "account_id")); err != nil {
			return nil, err
		}
	}

	landing, res, err := driver.follow(ctx, sess, next.RedirectTo)
	if err != nil {
		return nil, err
	}

	consentDone := false
	if strings.HasPrefix(landing.String(), driver.Config.AppURL+"/auth/consent") {
		landing, res, err = driver.consent(ctx, sess, landing, identityID)
		if err != nil {
			return nil, err
		}
		consentDone = true
	}

	fragment, err := url.ParseQuery(landing.Fragment)
	if err != nil {
		return nil, err
	}
	creds := &Credentials{
		Email:       email,
		IDToken:     fragment.Get("id_token"),
		AccessToken: sess.Cookie(driver.Config.APIURL, AccessTokenCookie),
		IdentityID:  identityID,
		ConsentDone: consentDone,
		Session:     sess,
	}
	if err := checks.Check(res, func(_ *httpcall.Response) error {
		return checks.Assert(creds.IDToken != "", "the flow landed on %s without an ID token", landing)
	}); err != nil {
		return nil, err
	}
	if creds.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	if err := driver.checkIDToken(ctx, sess, creds.IDToken, identityID, opts.VerifyIDToken); err != nil {
		return nil, err
	}

	identity, _, err := sess.GetIdentity(ctx)
	if err != nil {
		return nil, err
	}
	creds.AccountID = identity.AccountID
	creds.DisplayName = identity.DisplayName
	sess.AccountID = identity.AccountID
	sess.DisplayName = identity.DisplayName

	log.Info().Str("email", email).Str("identity_id", identityID).Str("account_id", creds.AccountID).Bool("consent_done", consentDone).Msg("logged in")
	return creds, nil
}

// NewAuthenticatedSession performs a login flow and returns the resulting session
func (driver *Driver) NewAuthenticatedSession(ctx context.Context, opts *Options) (*session.Session, error) {
	creds, err := driver.Login(ctx, opts)
	if err != nil {
		return nil, err
	}
	return creds.Session, nil
}

func (driver *Driver) start(ctx context.Context, sess *session.Session, acr int) (string, error) {
	var authOpts []oauth2.AuthCodeOption
	if acr > 0 {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("acr_values", strconv.Itoa(acr)))
	}
	target := driver.oauth2Config().AuthCodeURL(random.Hex(16), authOpts...)

	landing, res, err := driver.follow(ctx, sess, target)
	if err != nil {
		return "", err
	}

	first := landing
	if len(res.History) > 0 {
		if first, err = res.History[0].Location(); err != nil {
			return "", err
		}
	}
	challenge := landing.Query().Get("login_challenge")
	err = checks.Check(res,
		func(_ *httpcall.Response) error {
			return checks.Assert(!strings.Contains(first.RawQuery, "error="), "the authorization request was rejected: %s", first)
		},
		func(_ *httpcall.Response) error {
			return checks.Assert(challenge != "", "no login challenge in %s", landing)
		},
	)
	return challenge, err
}

// follow performs a GET call following redirects until the frontend is reached and returns the URL it landed on.
// The frontend is not called; it may well be down in test environments.
func (driver *Driver) follow(ctx context.Context, sess *session.Session, target string) (*url.URL, *httpcall.Response, error) {
	res, err := sess.Get(ctx, target, httpcall.NoRaise(), httpcall.StopRedirectsAt(driver.Config.AppURL))
	if err != nil {
		return nil, res, err
	}
	if res.StatusCode >= 300 && res.StatusCode < 400 {
		landing, err := res.Location()
		return landing, res, err
	}
	if res.StatusCode >= 400 && res.StatusCode != http.StatusBadGateway {
		return nil, res, &httpcall.StatusError{Response: res}
	}
	return res.URL, res, nil
}

func identify(ctx context.Context, sess *session.Session, challenge, email string, reset bool) (string, string, error) {
	res, err := sess.Put(ctx, "/auth/identities",
		httpcall.JSON(map[string]any{
			"login_challenge":  challenge,
			"identifier_value": email,
			"password_reset":   reset,
		}),
		httpcall.Expect(http.StatusOK),
	)
	if err != nil {
		return "", "", err
	}
	err = checks.Check(res, checks.NotEmpty("authn_step.identity_id"), checks.NotEmpty("authn_step.method_name"))
	if err != nil {
		return "", "", err
	}
	decoded := new(identifyResponse)
	if err := res.JSON(decoded); err != nil {
		return "", "", err
	}
	return decoded.AuthnStep.IdentityID, decoded.AuthnStep.MethodName, nil
}

func assertStep(ctx context.Context, sess *session.Session, challenge, identityID, method string, metadata any, opts ...httpcall.Option) (*assertResponse, error) {
	res, err := sess.Post(ctx, "/auth/login/authn-step", append(opts,
		httpcall.JSON(map[string]any{
			"login_challenge": challenge,
			"authn_step": map[string]any{
				"identity_id": identityID,
				"method_name": method,
				"metadata":    metadata,
			},
		}),
		httpcall.Expect(http.StatusOK),
	)...)
	if err != nil {
		return nil, err
	}
	decoded := new(assertResponse)
	if err := res.JSON(decoded); err != nil {
		return nil, err
	}
	err = checks.Check(res, func(_ *httpcall.Response) error {
		switch decoded.Next {
		case "redirect":
			return checks.Assert(decoded.RedirectTo != "", "redirect_to is empty")
		case "authn_step":
			method := decoded.AuthnStep.MethodName
			return checks.Assert(method == MethodAccountCreation || method == MethodResetPassword, "unexpected next authentication step %q", method)
		default:
			return checks.Assert(false, "unexpected next action %q", decoded.Next)
		}
	})
	return decoded, err
}

func passwordStepMetadata(method string, useBackup bool) map[string]any {
	metadata := map[string]any{
		"prehashed_password": password.New(random.Hex(16)),
	}
	switch {
	case method == MethodResetPassword:
		metadata["secret_storage"] = secretstorage.NewResetData()
	case useBackup:
		metadata["backup_data"] = base64.StdEncoding.EncodeToString([]byte(fakeBackupData))
	default:
		metadata["secret_storage"] = secretstorage.NewFullData()
	}
	return metadata
}

func (driver *Driver) consent(ctx context.Context, sess *session.Session, landing *url.URL, identityID string) (*url.URL, *httpcall.Response, error) {
	res, err := sess.Post(ctx, "/auth/consent",
		httpcall.JSON(map[string]any{
			"consent_challenge": landing.Query().Get("consent_challenge"),
			"identity_id":       identityID,
			"consented_scopes":  []string{"tos", "privacy_policy"},
		}),
		httpcall.Expect(http.StatusOK),
	)
	if err != nil {
		return nil, res, err
	}
	if err := checks.Check(res, checks.NotEmpty("redirect_to")); err != nil {
		return nil, res, err
	}
	return driver.follow(ctx, sess, checks.Field(res, "redirect_to").String())
}

// checkIDToken makes sure the ID token was issued for the identity that logged in
func (driver *Driver) checkIDToken(ctx context.Context, sess *session.Session, raw, identityID string, verify bool) error {
	var claims *idtoken.Claims
	var err error
	if verify || driver.Config.VerifyIDToken {
		verifier, verr := idtoken.NewVerifier(ctx, driver.Config.AuthURL+"/", driver.Config.ClientID, sess.Client().HTTP())
		if verr != nil {
			return fmt.Errorf("discovering the authorization server: %w", verr)
		}
		claims, err = verifier.Verify(ctx, raw)
	} else {
		claims, err = idtoken.ParseUnverified(raw)
	}
	if err != nil {
		return fmt.Errorf("invalid ID token: %w", err)
	}
	if claims.Subject != identityID {
		return fmt.Errorf("ID token subject %s does not match identity %s", claims.Subject, identityID)
	}
	return nil
}
