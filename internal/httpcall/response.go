package httpcall

import (
	"encoding/json"
	"github.com/misakey/apitest/internal/transcript"
	"net/http"
	"net/url"
)

// Hop is a single redirect response received while performing a call
type Hop struct {
	StatusCode int
	Header     http.Header
	URL        *url.URL
}

// Location resolves the Location header of the hop against the URL it was received from
func (hop *Hop) Location() (*url.URL, error) {
	return resolveLocation(hop.URL, hop.Header)
}

// Response represents the final response of a call with its body already read
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// URL is the URL the final response was received from
	URL *url.URL

	// History contains every redirect response preceding the final one, in order
	History []*Hop

	// Exchange is the recorded transcript of the whole call
	Exchange *transcript.Exchange
}

// JSON decodes the response body into target
func (response *Response) JSON(target any) error {
	return json.Unmarshal(response.Body, target)
}

// Object decodes the response body as a JSON object
func (response *Response) Object() (map[string]any, error) {
	obj := map[string]any{}
	if err := response.JSON(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Text returns the response body as a string
func (response *Response) Text() string {
	return string(response.Body)
}

// Location resolves the Location header of the final response against its URL
func (response *Response) Location() (*url.URL, error) {
	return resolveLocation(response.URL, response.Header)
}

// Cookies parses the cookies set by the final response
func (response *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: response.Header}).Cookies()
}

// SetCookies parses the cookies set by every redirect hop and the final response, in order
func (response *Response) SetCookies() []*http.Cookie {
	var cookies []*http.Cookie
	for _, hop := range response.History {
		cookies = append(cookies, (&http.Response{Header: hop.Header}).Cookies()...)
	}
	return append(cookies, response.Cookies()...)
}

// Transcript renders the human-readable transcript of the call
func (response *Response) Transcript() string {
	if response.Exchange == nil {
		return ""
	}
	return transcript.Format(response.Exchange)
}

func resolveLocation(base *url.URL, header http.Header) (*url.URL, error) {
	location := header.Get("Location")
	if location == "" {
		return nil, http.ErrNoLocation
	}
	target, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return target, nil
	}
	return base.ResolveReference(target), nil
}
