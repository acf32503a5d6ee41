package authnstep

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type staticRepository map[string]json.RawMessage

func (repo staticRepository) LatestMetadata(_ context.Context, identityID string) (json.RawMessage, error) {
	return repo[identityID], nil
}

func TestEmailedCode(t *testing.T) {
	repo := staticRepository{
		"with-code":    json.RawMessage(`{"code":"123456"}`),
		"without-code": json.RawMessage(`{"other":true}`),
		"empty-code":   json.RawMessage(`{"code":""}`),
		"broken":       json.RawMessage(`{`),
	}
	ctx := context.Background()

	code, err := EmailedCode(ctx, repo, "with-code")
	require.NoError(t, err)
	assert.Equal(t, "123456", code)

	_, err = EmailedCode(ctx, repo, "unknown")
	assert.ErrorIs(t, err, ErrNoStep)

	_, err = EmailedCode(ctx, repo, "without-code")
	assert.ErrorIs(t, err, ErrNoCode)

	_, err = EmailedCode(ctx, repo, "empty-code")
	assert.ErrorIs(t, err, ErrEmptyCode)

	_, err = EmailedCode(ctx, repo, "broken")
	assert.Error(t, err)
}
