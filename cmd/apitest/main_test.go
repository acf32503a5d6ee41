package main

import (
	"bytes"
	"context"
	"errors"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/fakeapi"
	"github.com/misakey/apitest/internal/scenarios"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestList(t *testing.T) {
	out := new(bytes.Buffer)
	require.NoError(t, list(out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, len(scenarios.All()))
	assert.True(t, strings.HasPrefix(lines[0], scenarios.All()[0].Name))
}

func TestSelectScenarios(t *testing.T) {
	selected, err := selectScenarios(nil, true)
	require.NoError(t, err)
	assert.Len(t, selected, len(scenarios.All()))

	selected, err = selectScenarios([]string{"crypto/aes-rsa", "boxes/basics"}, false)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "crypto/aes-rsa", selected[0].Name)

	_, err = selectScenarios([]string{"nope"}, false)
	assert.ErrorIs(t, err, scenarios.ErrUnknownScenario)

	_, err = selectScenarios(nil, false)
	assert.Error(t, err)

	_, err = selectScenarios([]string{"boxes/basics"}, true)
	assert.Error(t, err)
}

func TestRunScenarios(t *testing.T) {
	fake, err := fakeapi.New()
	require.NoError(t, err)
	defer fake.Close()

	out := new(bytes.Buffer)
	env := &scenarios.Env{
		Driver: &authflow.Driver{Config: fake.Config(), Storage: fake.Storage()},
		Out:    out,
	}
	failing := &scenarios.Scenario{
		Name: "failing",
		Run: func(context.Context, *scenarios.Env) error {
			return errors.New("boom")
		},
	}
	passing, err := scenarios.Lookup("crypto/aes-rsa")
	require.NoError(t, err)

	assert.NoError(t, runScenarios(context.Background(), env, []*scenarios.Scenario{passing}))
	err = runScenarios(context.Background(), env, []*scenarios.Scenario{failing, passing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 scenarios failed")
	assert.Contains(t, out.String(), "# "+passing.Name)
}

func TestCommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"list", "run", "watch-events"} {
		found, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, found.Name())
	}
}
