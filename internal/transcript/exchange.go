package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// bodyPreviewLength is the amount of characters of a non-JSON body included in a transcript
const bodyPreviewLength = 20

// Exchange represents a single call as it went over the wire, including every redirect hop
type Exchange struct {
	Request   *Request
	Redirects []*Response
	Response  *Response
}

// Request is the part of an exchange the client sent
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a single response received during an exchange
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusLine returns the 'HTTP <code> <reason>' line of the response
func (response *Response) StatusLine() string {
	return fmt.Sprintf("HTTP %d %s", response.StatusCode, http.StatusText(response.StatusCode))
}

// Format renders an exchange into its human-readable transcript
func Format(exchange *Exchange) string {
	parts := make([]string, 0, 16)

	if req := exchange.Request; req != nil {
		parts = append(parts, req.Method+" "+req.URL)
		parts = append(parts, formatHeader(req.Header)...)
		if payload := formatRequestBody(req); payload != "" {
			parts = append(parts, "Request Body:", payload)
		} else {
			parts = append(parts, "(No Request Body)")
		}
	}

	for _, redirect := range exchange.Redirects {
		parts = append(parts, "\n"+redirect.StatusLine())
		parts = append(parts, formatHeader(redirect.Header)...)
	}

	if res := exchange.Response; res != nil {
		parts = append(parts, "\n"+res.StatusLine())
		parts = append(parts, formatHeader(res.Header)...)
		parts = append(parts, formatBody(res.Body))
	}

	return strings.Join(parts, "\n")
}

// Indent prefixes every line of str with prefix
func Indent(str, prefix string) string {
	lines := strings.Split(str, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func formatHeader(header http.Header) []string {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+": "+strings.Join(header.Values(name), ", "))
	}
	return lines
}

func formatRequestBody(req *Request) string {
	if len(req.Body) == 0 {
		return ""
	}
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		if indented, ok := indentJSON(req.Body); ok {
			return indented
		}
	}
	return preview(string(req.Body))
}

func formatBody(body []byte) string {
	if indented, ok := indentJSON(body); ok {
		return indented
	}
	return preview(string(body))
}

func indentJSON(raw []byte) (string, bool) {
	if !json.Valid(raw) {
		return "", false
	}
	buf := new(bytes.Buffer)
	if err := json.Indent(buf, raw, "", "    "); err != nil {
		return "", false
	}
	return buf.String(), true
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= bodyPreviewLength {
		return text
	}
	return string(runes[:bodyPreviewLength]) + "..."
}
