package schema

// Origins of an error
const (
	OriginBody    = "body"
	OriginQuery   = "query"
	OriginPath    = "path"
	OriginCookies = "cookies"
	OriginHeaders = "headers"
	OriginNotDef  = "not_defined"
)

// Detail values describing what is wrong with a field
const (
	DetailRequired  = "required"
	DetailMalformed = "malformed"
	DetailInvalid   = "invalid"
	DetailConflict  = "conflict"
	DetailForbidden = "forbidden"
	DetailNotFound  = "not_found"
	DetailExpired   = "expired"
)

// Error represents the error body the backend answers with
type Error struct {
	Code    string            `json:"code"`
	Origin  string            `json:"origin"`
	Desc    string            `json:"desc"`
	Details map[string]string `json:"details"`
}

// Detail adds a detail to the error and returns it
func (err *Error) Detail(field, value string) *Error {
	if err.Details == nil {
		err.Details = map[string]string{}
	}
	err.Details[field] = value
	return err
}

// BadRequest creates a new bad request error
func BadRequest(origin, desc string) *Error {
	return &Error{Code: "bad_request", Origin: origin, Desc: desc}
}

// Unauthorized creates a new unauthorized error
func Unauthorized(origin, desc string) *Error {
	return &Error{Code: "unauthorized", Origin: origin, Desc: desc}
}

// Forbidden creates a new forbidden error
func Forbidden(origin, desc string) *Error {
	return &Error{Code: "forbidden", Origin: origin, Desc: desc}
}

// NotFound creates a new not found error
func NotFound(origin, desc string) *Error {
	return &Error{Code: "not_found", Origin: origin, Desc: desc}
}

// Conflict creates a new conflict error
func Conflict(origin, desc string) *Error {
	return &Error{Code: "conflict", Origin: origin, Desc: desc}
}

// Gone creates a new gone error
func Gone(origin, desc string) *Error {
	return &Error{Code: "gone", Origin: origin, Desc: desc}
}

var (
	ErrInternal = &Error{
		Code:   "internal",
		Origin: OriginNotDef,
		Desc:   "an internal error occurred",
	}
	ErrNotFound = &Error{
		Code:   "not_found",
		Origin: OriginPath,
		Desc:   "resource not found",
	}
	ErrMethodNotAllowed = &Error{
		Code:   "method_not_allowed",
		Origin: OriginNotDef,
		Desc:   "method not allowed",
	}
)
