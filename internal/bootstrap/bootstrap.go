// Package bootstrap sets up what every command line tool needs before talking to the backend
package bootstrap

import (
	"context"
	"fmt"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/config"
	"github.com/misakey/apitest/internal/storage"
	"github.com/misakey/apitest/internal/storage/docker"
	"github.com/misakey/apitest/internal/storage/postgres"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"io"
	"os"
	"time"
)

// Logging sets up zerolog to pretty print on stderr
func Logging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr,
	})
}

// NewStorage creates the administrative database backdoor the configuration selects
func NewStorage(cfg *config.Config) (storage.Driver, error) {
	switch cfg.DBMode {
	case config.DBModePostgres:
		return postgres.New(cfg.PostgresDSN), nil
	case config.DBModeDocker:
		return docker.New(cfg.DockerContainer, cfg.DockerDatabase, cfg.DockerUser, nil), nil
	default:
		return nil, fmt.Errorf("%w: '%s'", config.ErrInvalidDBMode, cfg.DBMode)
	}
}

// AnnounceTranscript tells where the transcript of this run is written, whatever the log level
func AnnounceTranscript(w io.Writer, transcriptLog *transcript.Log) {
	if transcriptLog.Path() == "" {
		return
	}
	fmt.Fprintf(w, "log file: %s (or %s)\n", transcriptLog.Path(), transcriptLog.LatestPath())
}

// Driver loads the configuration, opens the transcript log and the database backdoor and returns a
// flow driver using them. The returned function releases everything.
func Driver(ctx context.Context) (*authflow.Driver, func(), error) {
	// Load the application configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("loading the configuration: %w", err)
	}
	if cfg.IsEnvProduction() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Debug().Str("config", fmt.Sprintf("%+v", cfg)).Msg("")

	// Open the transcript of this run
	transcriptLog, err := transcript.Open(cfg.LogDir, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("opening the transcript log: %w", err)
	}
	AnnounceTranscript(os.Stderr, transcriptLog)

	// Initialize the database backdoor
	driver, err := NewStorage(cfg)
	if err != nil {
		transcriptLog.Close()
		return nil, nil, err
	}
	if err := driver.Initialize(ctx); err != nil {
		transcriptLog.Close()
		return nil, nil, fmt.Errorf("initializing the database backdoor: %w", err)
	}

	release := func() {
		driver.Close()
		if err := transcriptLog.Close(); err != nil {
			log.Warn().Err(err).Msg("could not close the transcript log")
		}
	}
	return &authflow.Driver{
		Config:  cfg,
		Storage: driver,
		Log:     transcriptLog,
	}, release, nil
}
