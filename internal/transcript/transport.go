package transcript

import (
	"bytes"
	"github.com/rs/zerolog/log"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper recording every round trip it performs into a Log.
// It is used for the calls performed by third-party clients (token endpoints, OIDC discovery).
type Transport struct {
	Base http.RoundTripper
	Log  *Log
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip performs the round trip using the base transport and records it
func (transport *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := transport.Base
	if base == nil {
		base = http.DefaultTransport
	}

	record := &Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
	}
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			record.Body, _ = io.ReadAll(body)
			body.Close()
		}
	}

	res, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	exchange := &Exchange{
		Request: record,
		Response: &Response{
			StatusCode: res.StatusCode,
			Header:     res.Header.Clone(),
			Body:       body,
		},
	}
	if err := transport.Log.Append(exchange); err != nil {
		log.Warn().Err(err).Msg("could not append to the transcript log")
	}
	return res, nil
}
