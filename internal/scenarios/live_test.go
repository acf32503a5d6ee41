//go:build integration

package scenarios

import (
	"bytes"
	"context"
	"github.com/misakey/apitest/internal/bootstrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

// TestScenariosAgainstBackend runs every scenario against the backend the environment configures
func TestScenariosAgainstBackend(t *testing.T) {
	ctx := context.Background()
	driver, release, err := bootstrap.Driver(ctx)
	require.NoError(t, err)
	defer release()

	for _, scenario := range All() {
		t.Run(scenario.Name, func(t *testing.T) {
			out := new(bytes.Buffer)
			code := Run(ctx, &Env{Driver: driver, Out: out}, scenario)
			assert.Equal(t, 0, code, out.String())
		})
	}
}
