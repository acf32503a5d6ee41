// Package scenarios contains the one-shot test scripts exercising the backend
package scenarios

import (
	"context"
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/prettyerror"
	"github.com/misakey/apitest/internal/session"
	"github.com/rs/zerolog/log"
	"io"
	"sort"
	"time"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
)

// Scenario represents a named test script
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env) error
}

// Env represents what a scenario runs with
type Env struct {
	Driver *authflow.Driver

	// Out receives the progress of the scenario steps and the pretty-printed failure
	Out io.Writer
}

// Step runs a named step of a scenario
func (env *Env) Step(name string, fn func() error) error {
	return prettyerror.Step(env.Out, name, fn)
}

// Steps runs named steps in order and stops at the first failure
func (env *Env) Steps(steps ...Step) error {
	for _, step := range steps {
		if err := env.Step(step.Name, step.Run); err != nil {
			return fmt.Errorf("%s: %w", step.Name, err)
		}
	}
	return nil
}

// Session performs a login flow with the given options and returns the authenticated session
func (env *Env) Session(ctx context.Context, opts *authflow.Options) (*session.Session, error) {
	return env.Driver.NewAuthenticatedSession(ctx, opts)
}

// Step is a named part of a scenario
type Step struct {
	Name string
	Run  func() error
}

var registry = []*Scenario{
	{Name: "boxes/basics", Description: "box creation, events, closing and listing", Run: boxesBasics},
	{Name: "boxes/accesses", Description: "box access rules and member kicks", Run: boxesAccesses},
	{Name: "boxes/members", Description: "box members listing and identifier disclosure", Run: boxesMembers},
	{Name: "boxes/key-shares", Description: "box key shares and the crypto actions they create", Run: boxesKeyShares},
	{Name: "boxes/messages", Description: "message edition and deletion, file messages included", Run: boxesMessages},
	{Name: "boxes/auto-invitation", Description: "identifier accesses inviting identities automatically", Run: boxesAutoInvitation},
	{Name: "boxes/subjects", Description: "boxes about a data subject, owned by an organization or tagged", Run: boxesSubjects},
	{Name: "boxes/org-actions", Description: "boxes created and used by an organization", Run: boxesOrgActions},
	{Name: "identities/public-keys", Description: "identity public keys and their lookup", Run: identitiesPublicKeys},
	{Name: "identities/notifications", Description: "identity notifications counting, listing and acknowledgement", Run: identitiesNotifications},
	{Name: "identities/profile", Description: "profile configuration and identifier sharing", Run: identitiesProfile},
	{Name: "organizations/org", Description: "organization creation, secret and token", Run: organizationsOrg},
	{Name: "organizations/datatags", Description: "organization datatags", Run: organizationsDatatags},
	{Name: "crypto-actions", Description: "crypto actions listing, retrieval and deletion", Run: cryptoActions},
	{Name: "secret-storage", Description: "secret storage on account creation and its edition", Run: secretStorage},
	{Name: "secret-storage/migration", Description: "migration of legacy backups to the secret storage", Run: secretStorageMigration},
	{Name: "backup-key-shares", Description: "backup key shares creation and retrieval", Run: backupKeyShares},
	{Name: "root-key-shares", Description: "root key shares creation and retrieval", Run: rootKeyShares},
	{Name: "crypto/aes-rsa", Description: "AES-RSA hybrid encryption round trips", Run: cryptoAESRSA},
}

// All returns every scenario sorted by name
func All() []*Scenario {
	scenarios := append([]*Scenario{}, registry...)
	sort.Slice(scenarios, func(i, j int) bool {
		return scenarios[i].Name < scenarios[j].Name
	})
	return scenarios
}

// Lookup returns the scenario with the given name
func Lookup(name string) (*Scenario, error) {
	for _, scenario := range registry {
		if scenario.Name == name {
			return scenario, nil
		}
	}
	return nil, fmt.Errorf("%w: '%s'", ErrUnknownScenario, name)
}

// Run runs a scenario inside the pretty error guard and returns the exit code it ends with
func Run(ctx context.Context, env *Env, scenario *Scenario) int {
	log.Info().Str("scenario", scenario.Name).Msg("running scenario")
	start := time.Now()
	fmt.Fprintf(env.Out, "# %s\n", scenario.Name)

	code := prettyerror.Guard(env.Out, func() error {
		return scenario.Run(ctx, env)
	})
	event := log.Info()
	if code != 0 {
		event = log.Error()
	}
	event.Str("scenario", scenario.Name).Dur("took", time.Since(start)).Int("code", code).Msg("scenario finished")
	return code
}
