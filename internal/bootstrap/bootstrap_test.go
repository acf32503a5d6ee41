package bootstrap

import (
	"bytes"
	"errors"
	"github.com/misakey/apitest/internal/config"
	"github.com/misakey/apitest/internal/storage/docker"
	"github.com/misakey/apitest/internal/storage/postgres"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
	"time"
)

func TestAnnounceTranscript(t *testing.T) {
	dir := t.TempDir()
	transcriptLog, err := transcript.Open(dir, time.Date(2022, 3, 1, 10, 20, 30, 0, time.UTC))
	require.NoError(t, err)
	defer transcriptLog.Close()

	buf := new(bytes.Buffer)
	AnnounceTranscript(buf, transcriptLog)
	expected := "log file: " + filepath.Join(dir, "apitest-log-2022-03-01T10-20-30") + " (or " + filepath.Join(dir, "apitest-log-latest") + ")\n"
	assert.Equal(t, expected, buf.String())

	buf.Reset()
	AnnounceTranscript(buf, transcript.NewWriterLog(new(bytes.Buffer)))
	assert.Empty(t, buf.String())
}

func TestNewStorage(t *testing.T) {
	driver, err := NewStorage(&config.Config{DBMode: config.DBModePostgres, PostgresDSN: "postgres://localhost/sso"})
	require.NoError(t, err)
	assert.IsType(t, &postgres.Driver{}, driver)

	driver, err = NewStorage(&config.Config{DBMode: config.DBModeDocker, DockerContainer: "test_db", DockerDatabase: "sso", DockerUser: "misakey"})
	require.NoError(t, err)
	assert.IsType(t, &docker.Driver{}, driver)

	_, err = NewStorage(&config.Config{DBMode: "sqlite"})
	assert.True(t, errors.Is(err, config.ErrInvalidDBMode))
}
