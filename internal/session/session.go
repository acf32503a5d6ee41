package session

import (
	"context"
	"github.com/misakey/apitest/internal/httpcall"
	"net/http"
	"net/url"
	"strings"
)

// CSRFCookie is the name of the cookie the backend issues anti-forgery tokens in
const CSRFCookie = "_csrf"

// Session represents an HTTP session against the backend.
// It keeps cookies across calls, echoes the latest anti-forgery token on mutating calls and
// carries the identity metadata the login flow produced.
type Session struct {
	client *httpcall.Client
	apiURL string
	csrf   string
	bearer string

	Email       string
	IdentityID  string
	AccountID   string
	DisplayName string

	// The organization of the frontend client, owning the boxes identities create
	SelfClientID string

	// Organization sessions authenticate with a bearer token instead of cookies
	OrgID          string
	OrgName        string
	OrgAccessToken string
}

// New creates a new session performing its calls using the given client.
// Relative targets are resolved against apiURL.
func New(client *httpcall.Client, apiURL string) *Session {
	return &Session{
		client: client,
		apiURL: strings.TrimSuffix(apiURL, "/"),
	}
}

// Client returns the call client backing the session
func (session *Session) Client() *httpcall.Client {
	return session.client
}

// APIURL returns the base URL relative targets are resolved against
func (session *Session) APIURL() string {
	return session.apiURL
}

// CSRFToken returns the latest anti-forgery token the session received
func (session *Session) CSRFToken() string {
	return session.csrf
}

// SetBearer makes the session authenticate every call using the given access token
func (session *Session) SetBearer(token string) {
	session.bearer = token
}

// Get performs a GET call
func (session *Session) Get(ctx context.Context, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	return session.Do(ctx, http.MethodGet, target, opts...)
}

// Head performs a HEAD call
func (session *Session) Head(ctx context.Context, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	return session.Do(ctx, http.MethodHead, target, opts...)
}

// Post performs a POST call
func (session *Session) Post(ctx context.Context, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	return session.Do(ctx, http.MethodPost, target, opts...)
}

// Put performs a PUT call
func (session *Session) Put(ctx context.Context, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	return session.Do(ctx, http.MethodPut, target, opts...)
}

// Patch performs a PATCH call
func (session *Session) Patch(ctx context.Context, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	return session.Do(ctx, http.MethodPatch, target, opts...)
}

// Delete performs a DELETE call
func (session *Session) Delete(ctx context.Context, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	return session.Do(ctx, http.MethodDelete, target, opts...)
}

// Do performs a call, attaching the session credentials and updating the anti-forgery token afterwards.
// The response is returned alongside status errors so callers may inspect it.
func (session *Session) Do(ctx context.Context, method, target string, opts ...httpcall.Option) (*httpcall.Response, error) {
	base := make([]httpcall.Option, 0, 2)
	if session.csrf != "" && isMutating(method) {
		base = append(base, httpcall.CSRF(session.csrf))
	}
	if session.bearer != "" {
		base = append(base, httpcall.Bearer(session.bearer))
	}

	res, err := session.client.Do(ctx, method, session.URL(target), append(base, opts...)...)
	if res == nil {
		res = httpcall.ResponseOf(err)
	}
	if res != nil {
		session.updateCSRF(res)
	}
	return res, err
}

// URL resolves a target against the API base URL if it is relative
func (session *Session) URL(target string) string {
	if strings.HasPrefix(target, "/") {
		return session.apiURL + target
	}
	return target
}

// Cookie returns the value of the named cookie the session would send to target
func (session *Session) Cookie(target, name string) string {
	jar := session.client.HTTP().Jar
	if jar == nil {
		return ""
	}
	parsed, err := url.Parse(session.URL(target))
	if err != nil {
		return ""
	}
	for _, cookie := range jar.Cookies(parsed) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

func (session *Session) updateCSRF(res *httpcall.Response) {
	for _, cookie := range res.SetCookies() {
		if cookie.Name == CSRFCookie {
			session.csrf = cookie.Value
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
