package prettyerror

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/stretchr/testify/assert"
	"net/http"
	"testing"
)

func failedResponse() *httpcall.Response {
	return &httpcall.Response{
		StatusCode: http.StatusNotFound,
		Body:       []byte(`{"code":"not_found"}`),
		Exchange: &transcript.Exchange{
			Request:  &transcript.Request{Method: http.MethodGet, URL: "https://api.example.test/boxes/1"},
			Response: &transcript.Response{StatusCode: http.StatusNotFound, Body: []byte(`{"code":"not_found"}`)},
		},
	}
}

func TestGuardSuccess(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.Equal(t, 0, Guard(buf, func() error { return nil }))
	assert.Empty(t, buf.String())
}

func TestGuardStatusError(t *testing.T) {
	buf := new(bytes.Buffer)
	code := Guard(buf, func() error {
		return fmt.Errorf("listing boxes: %w", &httpcall.StatusError{Response: failedResponse()})
	})

	assert.Equal(t, 1, code)
	out := buf.String()
	assert.Contains(t, out, "Error: listing boxes: 404 Client Error: Not Found")
	assert.Contains(t, out, "GET https://api.example.test/boxes/1")
	assert.Contains(t, out, "HTTP 404 Not Found")
}

func TestGuardBadResponse(t *testing.T) {
	buf := new(bytes.Buffer)
	res := failedResponse()
	code := Guard(buf, func() error {
		return checks.Check(res, checks.Equal("code", "ok"))
	})

	assert.Equal(t, 1, code)
	out := buf.String()
	assert.Contains(t, out, "Error: assertion failed: code is \"not_found\", expected ok")
	assert.Contains(t, out, "Caused by response:\n  GET https://api.example.test/boxes/1")
	assert.Contains(t, out, "\n  HTTP 404 Not Found")
}

func TestGuardBadResponseWithoutResponse(t *testing.T) {
	buf := new(bytes.Buffer)
	code := Guard(buf, func() error {
		return checks.Check(nil, func(*httpcall.Response) error { return checks.Assert(false, "no box was created") })
	})

	assert.Equal(t, 1, code)
	assert.Equal(t, "Error: assertion failed: no box was created\n", buf.String())

	buf.Reset()
	assert.Equal(t, 1, Guard(buf, func() error { return &checks.BadResponseError{} }))
	assert.Equal(t, "Error: Bad Response\n", buf.String())
}

func TestGuardOtherError(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.Equal(t, 1, Guard(buf, func() error { return errors.New("plain failure") }))
	assert.Equal(t, "Error: plain failure\n", buf.String())
}

func TestGuardPanic(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.Equal(t, 1, Guard(buf, func() error { panic("boom") }))
	assert.Contains(t, buf.String(), "panic: boom")
}

func TestStep(t *testing.T) {
	buf := new(bytes.Buffer)
	assert.NoError(t, Step(buf, "creates a box", func() error { return nil }))
	assert.Equal(t, "… creates a box\r✓ creates a box\n", buf.String())

	buf.Reset()
	assert.Error(t, Step(buf, "joins a box", func() error { return errors.New("no") }))
	assert.Equal(t, "… joins a box\r✗ joins a box\n", buf.String())
}
