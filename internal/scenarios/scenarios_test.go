package scenarios

import (
	"bytes"
	"context"
	"errors"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/fakeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sort"
	"strings"
	"testing"
)

func newEnv(t *testing.T) (*Env, *bytes.Buffer) {
	t.Helper()
	fake, err := fakeapi.New()
	require.NoError(t, err)
	t.Cleanup(fake.Close)

	out := new(bytes.Buffer)
	return &Env{
		Driver: &authflow.Driver{Config: fake.Config(), Storage: fake.Storage()},
		Out:    out,
	}, out
}

func TestScenariosAgainstFakeAPI(t *testing.T) {
	for _, scenario := range All() {
		scenario := scenario
		t.Run(scenario.Name, func(t *testing.T) {
			env, out := newEnv(t)
			code := Run(context.Background(), env, scenario)
			assert.Equal(t, 0, code, out.String())
			assert.True(t, strings.HasPrefix(out.String(), "# "+scenario.Name+"\n"))
		})
	}
}

func TestAllIsSortedAndUnique(t *testing.T) {
	all := All()
	require.Len(t, all, len(registry))

	names := make([]string, 0, len(all))
	seen := map[string]bool{}
	for _, scenario := range all {
		assert.False(t, seen[scenario.Name], scenario.Name)
		assert.NotEmpty(t, scenario.Description)
		seen[scenario.Name] = true
		names = append(names, scenario.Name)
	}
	assert.True(t, sort.StringsAreSorted(names))
}

func TestLookup(t *testing.T) {
	scenario, err := Lookup("boxes/basics")
	require.NoError(t, err)
	assert.Equal(t, "boxes/basics", scenario.Name)

	_, err = Lookup("boxes/unknown")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestRunReportsFailures(t *testing.T) {
	env, out := newEnv(t)
	failing := &Scenario{
		Name: "failing",
		Run: func(ctx context.Context, env *Env) error {
			return env.Steps(
				Step{"first", func() error { return nil }},
				Step{"second", func() error { return errors.New("boom") }},
				Step{"third", func() error {
					t.Error("steps after a failure must not run")
					return nil
				}},
			)
		},
	}

	assert.NotEqual(t, 0, Run(context.Background(), env, failing))
	assert.Contains(t, out.String(), "boom")
}
