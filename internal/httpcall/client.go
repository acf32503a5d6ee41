package httpcall

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// CSRFHeader is the request header anti-forgery tokens are echoed in
const CSRFHeader = "X-CSRF-Token"

const maxRedirects = 10

var (
	ErrTooManyRedirects = errors.New("stopped after 10 redirects")
)

// Client performs calls, records their transcripts and checks their status codes
type Client struct {
	http *http.Client
	log  *transcript.Log
}

// New creates a new client wrapping the given HTTP client and writing transcripts into log.
// A nil log discards transcripts.
func New(httpClient *http.Client, log *transcript.Log) *Client {
	return &Client{
		http: httpClient,
		log:  log,
	}
}

// NewHTTPClient creates an HTTP client with a public suffix aware cookie jar
func NewHTTPClient(insecureTLS bool) *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Jar:       jar,
		Transport: transport,
		Timeout:   time.Minute,
	}
}

// HTTP returns the underlying HTTP client
func (client *Client) HTTP() *http.Client {
	return client.http
}

// Log returns the transcript log of the client
func (client *Client) Log() *transcript.Log {
	return client.log
}

// Get performs a GET call
func (client *Client) Get(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return client.Do(ctx, http.MethodGet, target, opts...)
}

// Head performs a HEAD call
func (client *Client) Head(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return client.Do(ctx, http.MethodHead, target, opts...)
}

// Post performs a POST call
func (client *Client) Post(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return client.Do(ctx, http.MethodPost, target, opts...)
}

// Put performs a PUT call
func (client *Client) Put(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return client.Do(ctx, http.MethodPut, target, opts...)
}

// Patch performs a PATCH call
func (client *Client) Patch(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return client.Do(ctx, http.MethodPatch, target, opts...)
}

// Delete performs a DELETE call
func (client *Client) Delete(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return client.Do(ctx, http.MethodDelete, target, opts...)
}

// Do performs a call, appends its transcript to the log and classifies its final status
func (client *Client) Do(ctx context.Context, method, target string, opts ...Option) (*Response, error) {
	call := &call{
		raise:  true,
		header: http.Header{},
		query:  url.Values{},
	}
	for _, opt := range opts {
		if err := opt(call); err != nil {
			return nil, err
		}
	}

	req, err := call.newRequest(ctx, method, target)
	if err != nil {
		return nil, err
	}

	response, err := client.perform(req, call)
	if err != nil {
		return nil, err
	}

	if err := client.log.Append(response.Exchange); err != nil {
		log.Warn().Err(err).Msg("could not append to the transcript log")
	}
	log.Debug().Str("method", method).Str("url", req.URL.String()).Int("status", response.StatusCode).Int("redirects", len(response.History)).Msg("performed call")

	return response, classify(response, call)
}

func (call *call) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if len(call.query) > 0 {
		query := parsed.Query()
		for key, vals := range call.query {
			for _, val := range vals {
				query.Add(key, val)
			}
		}
		parsed.RawQuery = query.Encode()
	}

	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return nil, err
	}
	for key, vals := range call.header {
		req.Header[key] = vals
	}
	if call.contentType != "" {
		req.Header.Set("Content-Type", call.contentType)
	}
	for _, cookie := range call.cookies {
		req.AddCookie(cookie)
	}
	return req, nil
}

func (client *Client) perform(req *http.Request, call *call) (*Response, error) {
	recorder := &recordingTransport{base: client.http.Transport}
	var history []*Hop

	httpClient := *client.http
	httpClient.Transport = recorder
	httpClient.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if next.Response != nil {
			history = append(history, &Hop{
				StatusCode: next.Response.StatusCode,
				Header:     next.Response.Header.Clone(),
				URL:        via[len(via)-1].URL,
			})
		}
		for _, prefix := range call.stopAt {
			if strings.HasPrefix(next.URL.String(), prefix) {
				// The hop just recorded is the response handed back to the caller
				history = history[:len(history)-1]
				return http.ErrUseLastResponse
			}
		}
		if len(via) >= maxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(req, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	exchange := &transcript.Exchange{
		Request: recorder.first(req, call.body),
		Response: &transcript.Response{
			StatusCode: res.StatusCode,
			Header:     res.Header.Clone(),
			Body:       body,
		},
	}
	for _, hop := range history {
		exchange.Redirects = append(exchange.Redirects, &transcript.Response{
			StatusCode: hop.StatusCode,
			Header:     hop.Header,
		})
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		URL:        res.Request.URL,
		History:    history,
		Exchange:   exchange,
	}, nil
}

func classify(response *Response, call *call) error {
	if call.expected != 0 {
		if response.StatusCode == call.expected {
			return nil
		}
		unexpected := &UnexpectedStatusError{
			Expected: call.expected,
			Response: response,
		}
		if call.expected < 400 && response.StatusCode >= 400 {
			unexpected.cause = &StatusError{Response: response}
		}
		return unexpected
	}
	if call.raise && response.StatusCode >= 400 {
		return &StatusError{Response: response}
	}
	return nil
}

func wrapTransportError(req *http.Request, err error) error {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &ConnectionError{
			Host: req.URL.Host,
			Err:  err,
		}
	}
	return fmt.Errorf("performing %s %s: %w", req.Method, req.URL, err)
}

// recordingTransport remembers the first request it sends, including the headers added by the client (cookies)
type recordingTransport struct {
	base    http.RoundTripper
	request *http.Request
}

func (transport *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if transport.request == nil {
		transport.request = req
	}
	base := transport.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (transport *recordingTransport) first(fallback *http.Request, body []byte) *transcript.Request {
	req := transport.request
	if req == nil {
		req = fallback
	}
	return &transcript.Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	}
}
