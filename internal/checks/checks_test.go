package checks

import (
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"testing"
)

func response(body string) *httpcall.Response {
	return &httpcall.Response{StatusCode: 200, Body: []byte(body)}
}

func TestCheckWrapsFirstFailure(t *testing.T) {
	res := response(`{"name":"org","role":"admin","members":[{"identifier_value":""},{"identifier_value":""}]}`)
	var ran []string
	track := func(name string, err error) Predicate {
		return func(*httpcall.Response) error {
			ran = append(ran, name)
			return err
		}
	}

	err := Check(res, track("first", nil), track("second", errors.New("boom")), track("third", nil))
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, ran)

	var bad *BadResponseError
	require.True(t, errors.As(err, &bad))
	assert.Same(t, res, bad.Response)
	assert.EqualError(t, bad.Cause, "boom")
	assert.True(t, IsBadResponse(fmt.Errorf("wrapped: %w", err)))
}

func TestPredicates(t *testing.T) {
	res := response(`{"name":"org","count":2,"scopes":["tos","privacy_policy"],"pubkey":"com.misakey.aes-rsa-enc:abc","secrets":{},"account_id":"a","members":[{"identifier_value":""},{"identifier_value":""}]}`)

	assert.NoError(t, Check(res,
		Equal("name", "org"),
		Equal("count", 2),
		Equal("scopes", []string{"tos", "privacy_policy"}),
		NotEqual("name", "other"),
		Exists("secrets"),
		NotEmpty("pubkey"),
		Len("members", 2),
		HasPrefix("pubkey", "com.misakey.aes-rsa-enc:"),
		KeysEqual("@this", "name", "count", "scopes", "pubkey", "secrets", "account_id", "members"),
		Each("members", func(_ int, member gjson.Result) error {
			return Assert(member.Get("identifier_value").Str == "", "identifier value is visible")
		}),
	))

	assert.True(t, IsBadResponse(Check(res, Equal("name", "nope"))))
	assert.True(t, IsBadResponse(Check(res, Equal("missing", "nope"))))
	assert.True(t, IsBadResponse(Check(res, NotEmpty("secrets"))))
	assert.True(t, IsBadResponse(Check(res, Len("name", 1))))
	assert.True(t, IsBadResponse(Check(res, HasPrefix("name", "com."))))
	assert.True(t, IsBadResponse(Check(res, KeysEqual("secrets", "a"))))
}

func TestTopLevelArray(t *testing.T) {
	res := response(`[1,2,3]`)
	assert.NoError(t, Check(res, Len("@this", 3)))
}

func TestAssert(t *testing.T) {
	assert.NoError(t, Assert(true, "unused"))
	assert.EqualError(t, Assert(false, "got %d", 3), "assertion failed: got 3")
}

func TestIncludedIn(t *testing.T) {
	x := map[string]any{"id": "1", "count": 2, "created_at": "now"}
	y := map[string]any{"id": "1", "count": float64(2), "created_at": "later", "extra": true}
	assert.True(t, IncludedIn(x, y, "created_at"))
	assert.False(t, IncludedIn(x, y))
}
