package checks

import (
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/tidwall/gjson"
	"reflect"
	"sort"
	"strings"
)

// BadResponseError is returned whenever a response fails one of its checks.
// It retains the response for diagnostic printing.
type BadResponseError struct {
	Response *httpcall.Response
	Cause    error
}

func (err *BadResponseError) Error() string {
	if err.Cause == nil {
		return "bad response"
	}
	return "bad response: " + err.Cause.Error()
}

func (err *BadResponseError) Unwrap() error {
	return err.Cause
}

// IsBadResponse reports whether err is or wraps a *BadResponseError
func IsBadResponse(err error) bool {
	var target *BadResponseError
	return errors.As(err, &target)
}

// AssertionError is a failed assertion
type AssertionError struct {
	Message string
}

func (err *AssertionError) Error() string {
	if err.Message == "" {
		return "assertion failed"
	}
	return "assertion failed: " + err.Message
}

// Predicate is a single check run against a response
type Predicate func(res *httpcall.Response) error

// Check runs the given predicates against a response in order and wraps the first failure
func Check(res *httpcall.Response, predicates ...Predicate) error {
	for _, predicate := range predicates {
		if err := predicate(res); err != nil {
			return &BadResponseError{
				Response: res,
				Cause:    err,
			}
		}
	}
	return nil
}

// Assert returns an assertion failure if cond is false
func Assert(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return &AssertionError{Message: fmt.Sprintf(format, args...)}
}

// Field returns the value at the given gjson path of the response body
func Field(res *httpcall.Response, path string) gjson.Result {
	return gjson.GetBytes(res.Body, path)
}

// Equal checks that the value at path equals expected
func Equal(path string, expected any) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		if !value.Exists() {
			return &AssertionError{Message: fmt.Sprintf("%s is missing", path)}
		}
		return Assert(reflect.DeepEqual(normalize(value.Value()), normalize(expected)), "%s is %s, expected %v", path, value.Raw, expected)
	}
}

// NotEqual checks that the value at path exists and differs from unexpected
func NotEqual(path string, unexpected any) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		if !value.Exists() {
			return &AssertionError{Message: fmt.Sprintf("%s is missing", path)}
		}
		return Assert(!reflect.DeepEqual(normalize(value.Value()), normalize(unexpected)), "%s should not be %v", path, unexpected)
	}
}

// Exists checks that the response body contains a value at path
func Exists(path string) Predicate {
	return func(res *httpcall.Response) error {
		return Assert(Field(res, path).Exists(), "%s is missing", path)
	}
}

// NotEmpty checks that the value at path is present and not an empty string, array or object
func NotEmpty(path string) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		var empty bool
		switch {
		case !value.Exists() || value.Type == gjson.Null:
			empty = true
		case value.IsArray():
			empty = len(value.Array()) == 0
		case value.IsObject():
			empty = len(value.Map()) == 0
		case value.Type == gjson.String:
			empty = value.Str == ""
		}
		return Assert(!empty, "%s is empty", path)
	}
}

// Len checks the length of the array at path.
// Use '@this' as path to check a top-level array.
func Len(path string, expected int) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		if !value.IsArray() {
			return &AssertionError{Message: fmt.Sprintf("%s is not an array", path)}
		}
		n := len(value.Array())
		return Assert(n == expected, "%s has length %d, expected %d", path, n, expected)
	}
}

// HasPrefix checks that the string at path starts with prefix
func HasPrefix(path, prefix string) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		return Assert(value.Type == gjson.String && strings.HasPrefix(value.Str, prefix), "%s does not start with '%s'", path, prefix)
	}
}

// KeysEqual checks that the object at path has exactly the given keys
func KeysEqual(path string, keys ...string) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		if !value.IsObject() {
			return &AssertionError{Message: fmt.Sprintf("%s is not an object", path)}
		}
		actual := make([]string, 0)
		for key := range value.Map() {
			actual = append(actual, key)
		}
		expected := append([]string{}, keys...)
		sort.Strings(actual)
		sort.Strings(expected)
		return Assert(reflect.DeepEqual(actual, expected), "%s has keys %v, expected %v", path, actual, expected)
	}
}

// Each runs fn against every element of the array at path
func Each(path string, fn func(index int, element gjson.Result) error) Predicate {
	return func(res *httpcall.Response) error {
		value := Field(res, path)
		if !value.IsArray() {
			return &AssertionError{Message: fmt.Sprintf("%s is not an array", path)}
		}
		for i, element := range value.Array() {
			if err := fn(i, element); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	}
}

// IncludedIn reports whether every key of x is present in y with an equal value, ignoring the keys in except
func IncludedIn(x, y map[string]any, except ...string) bool {
	skip := make(map[string]struct{}, len(except))
	for _, key := range except {
		skip[key] = struct{}{}
	}
	for key, val := range x {
		if _, ok := skip[key]; ok {
			continue
		}
		other, ok := y[key]
		if !ok || !reflect.DeepEqual(normalize(val), normalize(other)) {
			return false
		}
	}
	return true
}

// normalize maps numbers to float64 so that values decoded from JSON compare equal to Go literals
func normalize(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return value
	}
}
