package transcript

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	exchange := &Exchange{
		Request: &Request{
			Method: http.MethodPost,
			URL:    "https://api.example.test/boxes",
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"title":"box"}`),
		},
		Redirects: []*Response{
			{StatusCode: http.StatusFound, Header: http.Header{"Location": {"/elsewhere"}}},
		},
		Response: &Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       []byte(`{"id":"42"}`),
		},
	}

	out := Format(exchange)
	assert.True(t, strings.HasPrefix(out, "POST https://api.example.test/boxes\nContent-Type: application/json\nRequest Body:\n{\n    \"title\": \"box\"\n}"))
	assert.Contains(t, out, "\n\nHTTP 302 Found\nLocation: /elsewhere")
	assert.Contains(t, out, "\n\nHTTP 201 Created\nContent-Type: application/json\n{\n    \"id\": \"42\"\n}")
	assert.Less(t, strings.Index(out, "HTTP 302"), strings.Index(out, "HTTP 201"))
}

func TestFormatNonJSON(t *testing.T) {
	out := Format(&Exchange{
		Request:  &Request{Method: http.MethodGet, URL: "https://api.example.test/"},
		Response: &Response{StatusCode: http.StatusBadGateway, Body: []byte("<html><body>bad gateway</body></html>")},
	})
	assert.Contains(t, out, "(No Request Body)")
	assert.Contains(t, out, "HTTP 502 Bad Gateway")
	assert.True(t, strings.HasSuffix(out, "<html><body>bad gate..."))

	short := Format(&Exchange{Response: &Response{StatusCode: http.StatusOK, Body: []byte("ok")}})
	assert.True(t, strings.HasSuffix(short, "\nok"))
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "  a\n  b", Indent("a\nb", "  "))
}

func TestOpenCreatesFileAndLatestSymlink(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2022, 3, 1, 10, 20, 30, 0, time.UTC)

	first, err := Open(dir, now)
	require.NoError(t, err)
	require.NoError(t, first.Append(&Exchange{Request: &Request{Method: "GET", URL: "https://first.test"}}))
	require.NoError(t, first.Close())
	assert.Equal(t, filepath.Join(dir, "apitest-log-2022-03-01T10-20-30"), first.Path())

	second, err := Open(dir, now.Add(time.Second))
	require.NoError(t, err)
	defer second.Close()

	target, err := os.Readlink(filepath.Join(dir, "apitest-log-latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(second.Path()), target)
	assert.Equal(t, filepath.Join(dir, "apitest-log-latest"), second.LatestPath())

	content, err := os.ReadFile(first.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "Logfile started on "))
	assert.Contains(t, string(content), "GET https://first.test")
	assert.True(t, strings.HasSuffix(string(content), entrySeparator))
}

func TestOpenRelativeDirectory(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Mkdir("logs", 0o755))

	log, err := Open("logs", time.Date(2022, 3, 1, 10, 20, 30, 0, time.UTC))
	require.NoError(t, err)
	defer log.Close()

	content, err := os.ReadFile(filepath.Join("logs", "apitest-log-latest"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "Logfile started on "))
}

func TestNilLogDiscards(t *testing.T) {
	var log *Log
	assert.NoError(t, log.Append(&Exchange{}))
	assert.NoError(t, log.Close())
	assert.Empty(t, log.Path())
	assert.Empty(t, log.LatestPath())
	assert.Empty(t, NewWriterLog(io.Discard).LatestPath())
}

func TestTransportRecordsRoundTrips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"echo":"` + string(body) + `"}`))
	}))
	defer server.Close()

	buf := new(bytes.Buffer)
	client := &http.Client{Transport: &Transport{Log: NewWriterLog(buf)}}
	res, err := client.Post(server.URL+"/token", "text/plain", strings.NewReader("grant"))
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()

	assert.JSONEq(t, `{"echo":"grant"}`, string(body))
	assert.Contains(t, buf.String(), "POST "+server.URL+"/token")
	assert.Contains(t, buf.String(), "Request Body:\ngrant")
	assert.Contains(t, buf.String(), "HTTP 200 OK")
}
