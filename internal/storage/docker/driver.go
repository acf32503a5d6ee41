// Package docker implements the administrative database backdoor by running psql inside the database container.
// It is meant for local test environments where the database port is not published.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/Masterminds/squirrel"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/misakey/apitest/internal/storage"
	"os/exec"
	"strings"
)

var (
	ErrPlaceholderMismatch = errors.New("placeholder count does not match argument count")
	ErrUnsupportedArgument = errors.New("unsupported SQL argument type")
)

// Runner executes a command and returns its standard output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands using os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	stderr := new(bytes.Buffer)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Driver represents the docker/psql storage driver implementation
type Driver struct {
	container string
	database  string
	user      string
	run       Runner

	authnSteps    *AuthnStepRepository
	cryptoActions *CryptoActionRepository
}

var _ storage.Driver = (*Driver)(nil)

// New creates a new docker storage driver running psql inside the given container
func New(container, database, user string, run Runner) *Driver {
	if run == nil {
		run = ExecRunner
	}
	return &Driver{
		container: container,
		database:  database,
		user:      user,
		run:       run,
	}
}

// Initialize checks that the container answers queries and initializes the repository implementations
func (driver *Driver) Initialize(ctx context.Context) error {
	if _, err := driver.query(ctx, squirrel.Select("1")); err != nil {
		return err
	}
	driver.authnSteps = &AuthnStepRepository{driver: driver}
	driver.cryptoActions = &CryptoActionRepository{driver: driver}
	return nil
}

// AuthnSteps provides the docker authentication step repository implementation
func (driver *Driver) AuthnSteps() authnstep.Repository {
	return driver.authnSteps
}

// CryptoActions provides the docker crypto action repository implementation
func (driver *Driver) CryptoActions() cryptoaction.Repository {
	return driver.cryptoActions
}

// Close is a no-op as every query runs in its own psql process
func (driver *Driver) Close() {}

// Command returns the command line running sql inside the container
func (driver *Driver) Command(sql string) []string {
	return []string{"docker", "exec", driver.container, "psql", "-t", "-d", driver.database, "-U", driver.user, "-h", "localhost", "-c", sql}
}

func (driver *Driver) query(ctx context.Context, sqlizer squirrel.Sqlizer) (string, error) {
	sql, args, err := sqlizer.ToSql()
	if err != nil {
		return "", err
	}
	inlined, err := Inline(sql, args)
	if err != nil {
		return "", err
	}
	cmd := driver.Command(inlined)
	out, err := driver.run(ctx, cmd[0], cmd[1:]...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Inline replaces the question mark placeholders of sql with quoted literals of args.
// psql -c cannot bind parameters, so only string arguments are accepted and quotes are doubled.
func Inline(sql string, args []any) (string, error) {
	var out strings.Builder
	next := 0
	for _, char := range sql {
		if char != '?' {
			out.WriteRune(char)
			continue
		}
		if next >= len(args) {
			return "", ErrPlaceholderMismatch
		}
		str, ok := args[next].(string)
		if !ok {
			return "", fmt.Errorf("%w: %T", ErrUnsupportedArgument, args[next])
		}
		out.WriteString("'" + strings.ReplaceAll(str, "'", "''") + "'")
		next++
	}
	if next != len(args) {
		return "", ErrPlaceholderMismatch
	}
	return out.String(), nil
}
