package docker

import (
	"context"
	"errors"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

type recordingRunner struct {
	commands [][]string
	outputs  map[string]string
}

func (runner *recordingRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	runner.commands = append(runner.commands, append([]string{name}, args...))
	sql := args[len(args)-1]
	for prefix, out := range runner.outputs {
		if strings.HasPrefix(sql, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func newTestDriver(t *testing.T, outputs map[string]string) (*Driver, *recordingRunner) {
	t.Helper()
	runner := &recordingRunner{outputs: outputs}
	driver := New("api_db", "sso", "misakey", runner.run)
	require.NoError(t, driver.Initialize(context.Background()))
	return driver, runner
}

func TestCommand(t *testing.T) {
	driver := New("test-and-run_api_db_1", "sso", "misakey", nil)
	assert.Equal(t,
		[]string{"docker", "exec", "test-and-run_api_db_1", "psql", "-t", "-d", "sso", "-U", "misakey", "-h", "localhost", "-c", "SELECT 1"},
		driver.Command("SELECT 1"),
	)
}

func TestEmailedCodeThroughPsql(t *testing.T) {
	identityID := "5d0e3b8e-9f43-4c7e-a1c4-5cbb9a2f6d10"
	driver, runner := newTestDriver(t, map[string]string{
		"SELECT metadata": " {\"code\": \"654321\"}\n\n",
	})

	code, err := authnstep.EmailedCode(context.Background(), driver.AuthnSteps(), identityID)
	require.NoError(t, err)
	assert.Equal(t, "654321", code)

	last := runner.commands[len(runner.commands)-1]
	assert.Equal(t, "SELECT metadata FROM authentication_step WHERE identity_id = '"+identityID+"' ORDER BY created_at DESC LIMIT 1", last[len(last)-1])
}

func TestLatestMetadataRejectsNonUUID(t *testing.T) {
	driver, _ := newTestDriver(t, nil)
	_, err := driver.AuthnSteps().LatestMetadata(context.Background(), "x' OR '1'='1")
	assert.Error(t, err)
}

func TestLatestMetadataNotFound(t *testing.T) {
	driver, _ := newTestDriver(t, nil)
	metadata, err := driver.AuthnSteps().LatestMetadata(context.Background(), "5d0e3b8e-9f43-4c7e-a1c4-5cbb9a2f6d10")
	require.NoError(t, err)
	assert.Nil(t, metadata)
}

func TestCreateCryptoAction(t *testing.T) {
	driver, runner := newTestDriver(t, nil)
	err := driver.CryptoActions().Create(context.Background(), &cryptoaction.Create{
		ID:                  "1",
		AccountID:           "2",
		SenderIdentityID:    "3",
		Type:                cryptoaction.TypeInvitation,
		BoxID:               "4",
		EncryptionPublicKey: "Fake Data Action 0",
		Encrypted:           "it's fake",
	})
	require.NoError(t, err)

	last := runner.commands[len(runner.commands)-1]
	assert.Equal(t, "INSERT INTO crypto_action (id,account_id,sender_identity_id,type,box_id,encryption_public_key,encrypted) VALUES ('1','2','3','invitation','4','Fake Data Action 0','it''s fake')", last[len(last)-1])
}

func TestInitializeFailsWhenContainerIsDown(t *testing.T) {
	driver := New("api_db", "sso", "misakey", func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("no such container")
	})
	assert.Error(t, driver.Initialize(context.Background()))
}

func TestInline(t *testing.T) {
	_, err := Inline("SELECT ?", nil)
	assert.ErrorIs(t, err, ErrPlaceholderMismatch)
	_, err = Inline("SELECT 1", []any{"a"})
	assert.ErrorIs(t, err, ErrPlaceholderMismatch)
	_, err = Inline("SELECT ?", []any{1})
	assert.ErrorIs(t, err, ErrUnsupportedArgument)
}
