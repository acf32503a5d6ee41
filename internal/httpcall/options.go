package httpcall

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Option configures a single call
type Option func(call *call) error

type call struct {
	expected    int
	raise       bool
	header      http.Header
	query       url.Values
	cookies     []*http.Cookie
	body        []byte
	contentType string
	stopAt      []string
}

// Expect makes the call fail if the final response carries another status
func Expect(status int) Option {
	return func(call *call) error {
		call.expected = status
		return nil
	}
}

// NoRaise returns error responses instead of failing when no status is expected
func NoRaise() Option {
	return func(call *call) error {
		call.raise = false
		return nil
	}
}

// Header sets a request header
func Header(key, value string) Option {
	return func(call *call) error {
		call.header.Set(key, value)
		return nil
	}
}

// CSRF attaches an anti-forgery token to the request
func CSRF(token string) Option {
	return Header(CSRFHeader, token)
}

// Bearer attaches an access token to the request using the Authorization header
func Bearer(token string) Option {
	return Header("Authorization", "Bearer "+token)
}

// Cookie sends an additional cookie with the request only
func Cookie(name, value string) Option {
	return func(call *call) error {
		call.cookies = append(call.cookies, &http.Cookie{Name: name, Value: value})
		return nil
	}
}

// Query adds query parameters to the target URL
func Query(values url.Values) Option {
	return func(call *call) error {
		for key, vals := range values {
			for _, val := range vals {
				call.query.Add(key, val)
			}
		}
		return nil
	}
}

// JSON sends the JSON representation of value as the request body
func JSON(value any) Option {
	return func(call *call) error {
		body, err := json.Marshal(value)
		if err != nil {
			return err
		}
		call.body = body
		call.contentType = "application/json"
		return nil
	}
}

// Form sends URL encoded form values as the request body
func Form(values url.Values) Option {
	return func(call *call) error {
		call.body = []byte(values.Encode())
		call.contentType = "application/x-www-form-urlencoded"
		return nil
	}
}

// MultipartFile is a file part of a multipart request body
type MultipartFile struct {
	Field       string
	Name        string
	ContentType string
	Content     []byte
}

// Multipart sends a multipart form consisting of plain fields and files as the request body
func Multipart(fields map[string]string, files ...MultipartFile) Option {
	return func(call *call) error {
		buf := new(bytes.Buffer)
		writer := multipart.NewWriter(buf)
		for name, value := range fields {
			if err := writer.WriteField(name, value); err != nil {
				return err
			}
		}
		for _, file := range files {
			part, err := writer.CreatePart(fileHeader(file))
			if err != nil {
				return err
			}
			if _, err := part.Write(file.Content); err != nil {
				return err
			}
		}
		if err := writer.Close(); err != nil {
			return err
		}
		call.body = buf.Bytes()
		call.contentType = writer.FormDataContentType()
		return nil
	}
}

// StopRedirectsAt stops following redirects as soon as one points to a URL with the given prefix.
// The redirect response itself is then returned as the final response.
func StopRedirectsAt(prefix string) Option {
	return func(call *call) error {
		call.stopAt = append(call.stopAt, prefix)
		return nil
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileHeader(file MultipartFile) textproto.MIMEHeader {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="` + quoteEscaper.Replace(file.Field) + `"; filename="` + quoteEscaper.Replace(file.Name) + `"`},
		"Content-Type":        {contentType},
	}
}
