package random

import (
	"encoding/base64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"regexp"
	"testing"
)

func TestString(t *testing.T) {
	str := String(32, CharsetHex)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), str)
}

func TestEmail(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{6}-test@misakey\.com$`), Email())
	assert.NotEqual(t, Email(), Email())
}

func TestBase64URL(t *testing.T) {
	raw, err := base64.RawURLEncoding.DecodeString(Base64URL(16))
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}
