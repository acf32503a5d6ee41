package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status/", func(rw http.ResponseWriter, req *http.Request) {
		code, _ := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/status/"))
		rw.WriteHeader(code)
	})
	mux.HandleFunc("/echo", func(rw http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		cookie, _ := req.Cookie("flavor")
		payload := map[string]any{
			"method":       req.Method,
			"query":        req.URL.Query().Get("q"),
			"body":         string(body),
			"content_type": req.Header.Get("Content-Type"),
			"csrf":         req.Header.Get(CSRFHeader),
		}
		if cookie != nil {
			payload["cookie"] = cookie.Value
		}
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(payload)
	})
	mux.HandleFunc("/first", func(rw http.ResponseWriter, req *http.Request) {
		http.SetCookie(rw, &http.Cookie{Name: "_csrf", Value: "from-first", Path: "/"})
		http.Redirect(rw, req, "/second", http.StatusFound)
	})
	mux.HandleFunc("/second", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/app/landing?login_challenge=abc", http.StatusSeeOther)
	})
	mux.HandleFunc("/app/landing", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
		rw.Write([]byte("frontend is down"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(buf *bytes.Buffer) *Client {
	return New(NewHTTPClient(false), transcript.NewWriterLog(buf))
}

func TestStatusClassification(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(new(bytes.Buffer))
	ctx := context.Background()

	t.Run("expected status matches", func(t *testing.T) {
		res, err := client.Post(ctx, server.URL+"/status/201", Expect(http.StatusCreated))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, res.StatusCode)
	})

	t.Run("expected success got error", func(t *testing.T) {
		res, err := client.Post(ctx, server.URL+"/status/404", Expect(http.StatusCreated))
		require.Error(t, err)
		assert.True(t, IsUnexpectedStatus(err))
		assert.True(t, IsStatus(err))
		assert.Equal(t, "expected status 201, got 404", err.Error())
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
		assert.Same(t, res, ResponseOf(err))
	})

	t.Run("expected error got another error", func(t *testing.T) {
		_, err := client.Get(ctx, server.URL+"/status/404", Expect(http.StatusBadRequest))
		require.Error(t, err)
		assert.True(t, IsUnexpectedStatus(err))
		assert.False(t, IsStatus(err))
	})

	t.Run("expected error got success", func(t *testing.T) {
		_, err := client.Get(ctx, server.URL+"/status/200", Expect(http.StatusForbidden))
		require.Error(t, err)
		assert.True(t, IsUnexpectedStatus(err))
		assert.False(t, IsStatus(err))
	})

	t.Run("no expectation and server error", func(t *testing.T) {
		_, err := client.Get(ctx, server.URL+"/status/500")
		require.Error(t, err)
		assert.True(t, IsStatus(err))
		assert.False(t, IsUnexpectedStatus(err))
		assert.Contains(t, err.Error(), "500 Server Error: Internal Server Error")
	})

	t.Run("no expectation and no raise", func(t *testing.T) {
		res, err := client.Get(ctx, server.URL+"/status/500", NoRaise())
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	})
}

func TestRequestOptions(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(new(bytes.Buffer))

	res, err := client.Patch(context.Background(), server.URL+"/echo",
		Query(url.Values{"q": {"search"}}),
		JSON(map[string]string{"pubkey": "abc"}),
		Cookie("flavor", "chocolate"),
		CSRF("token"),
		Expect(http.StatusOK),
	)
	require.NoError(t, err)

	obj, err := res.Object()
	require.NoError(t, err)
	assert.Equal(t, "PATCH", obj["method"])
	assert.Equal(t, "search", obj["query"])
	assert.JSONEq(t, `{"pubkey":"abc"}`, obj["body"].(string))
	assert.Equal(t, "application/json", obj["content_type"])
	assert.Equal(t, "chocolate", obj["cookie"])
	assert.Equal(t, "token", obj["csrf"])
}

func TestFormAndMultipart(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(new(bytes.Buffer))
	ctx := context.Background()

	res, err := client.Post(ctx, server.URL+"/echo", Form(url.Values{"grant_type": {"client_credentials"}}))
	require.NoError(t, err)
	obj, err := res.Object()
	require.NoError(t, err)
	assert.Equal(t, "grant_type=client_credentials", obj["body"])
	assert.Equal(t, "application/x-www-form-urlencoded", obj["content_type"])

	res, err = client.Post(ctx, server.URL+"/echo", Multipart(
		map[string]string{"msg_encrypted_content": "xyz"},
		MultipartFile{Field: "encrypted_file", Name: "blob", Content: []byte("data")},
	))
	require.NoError(t, err)
	obj, err = res.Object()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj["content_type"].(string), "multipart/form-data; boundary="))
	assert.Contains(t, obj["body"], `name="encrypted_file"; filename="blob"`)
}

func TestRedirectHistory(t *testing.T) {
	server := newTestServer(t)
	buf := new(bytes.Buffer)
	client := newTestClient(buf)

	res, err := client.Get(context.Background(), server.URL+"/first", NoRaise())
	require.NoError(t, err)

	require.Len(t, res.History, 2)
	assert.Equal(t, http.StatusFound, res.History[0].StatusCode)
	assert.Equal(t, http.StatusSeeOther, res.History[1].StatusCode)
	assert.Equal(t, "/app/landing", res.URL.Path)
	assert.Equal(t, "abc", res.URL.Query().Get("login_challenge"))
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	cookies := res.SetCookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "_csrf", cookies[0].Name)

	location, err := res.History[0].Location()
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/second", location.String())

	logged := buf.String()
	assert.Contains(t, logged, "GET "+server.URL+"/first")
	assert.Contains(t, logged, "HTTP 302 Found")
	assert.Contains(t, logged, "HTTP 303 See Other")
	assert.Contains(t, logged, "HTTP 502 Bad Gateway")
	assert.Contains(t, logged, "frontend is down")
}

func TestStopRedirectsAt(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(new(bytes.Buffer))

	res, err := client.Get(context.Background(), server.URL+"/first", StopRedirectsAt(server.URL+"/app/"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	require.Len(t, res.History, 1)
	location, err := res.Location()
	require.NoError(t, err)
	assert.Equal(t, "abc", location.Query().Get("login_challenge"))
}

func TestConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL
	server.Close()

	client := newTestClient(new(bytes.Buffer))
	_, err := client.Get(context.Background(), target+"/anything")
	require.Error(t, err)
	assert.True(t, IsConnection(err))
	assert.Equal(t, "Connection error: is \""+strings.TrimPrefix(target, "http://")+"\" up?", err.Error())
}
