package main

import (
	"bytes"
	"context"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/fakeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func newDriver(t *testing.T) *authflow.Driver {
	t.Helper()
	fake, err := fakeapi.New()
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	return &authflow.Driver{Config: fake.Config(), Storage: fake.Storage()}
}

func TestRunPrintsCredentials(t *testing.T) {
	out := new(bytes.Buffer)
	err := run(context.Background(), out, newDriver(t), &authflow.Options{Email: "0a1b2c-test@misakey.com", RequireAccount: true}, true)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "email: 0a1b2c-test@misakey.com", lines[0])
	for i, prefix := range []string{"identity id: ", "account id: ", "consent done: ", "access token: ", "id token: ", "org id: ", "org access token: "} {
		assert.True(t, strings.HasPrefix(lines[i+1], prefix), lines[i+1])
		assert.Greater(t, len(lines[i+1]), len(prefix), "empty value for %s", prefix)
	}
}

func TestRunRejectsIncompatibleOptions(t *testing.T) {
	err := run(context.Background(), new(bytes.Buffer), newDriver(t), &authflow.Options{RequireAccount: true, ACR: 1}, false)
	assert.ErrorIs(t, err, authflow.ErrIncompatibleOptions)
}

func TestFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"email", "require-account", "acr", "reset-password", "use-secret-backup", "get-secret-storage", "verify-id-token", "org"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
