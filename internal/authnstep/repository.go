package authnstep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoStep    = errors.New("no authentication step found for the identity")
	ErrNoCode    = errors.New("authentication step carries no emailed code")
	ErrEmptyCode = errors.New("emailed code is empty")
)

// Repository defines the authentication step repository API
type Repository interface {
	// LatestMetadata retrieves the metadata of the most recent authentication step of an identity.
	// It returns nil if the identity has no authentication step.
	LatestMetadata(ctx context.Context, identityID string) (json.RawMessage, error)
}

// EmailedCode retrieves the code most recently emailed to an identity
func EmailedCode(ctx context.Context, repo Repository, identityID string) (string, error) {
	metadata, err := repo.LatestMetadata(ctx, identityID)
	if err != nil {
		return "", err
	}
	if metadata == nil {
		return "", fmt.Errorf("%w: %s", ErrNoStep, identityID)
	}

	var decoded struct {
		Code *string `json:"code"`
	}
	if err := json.Unmarshal(metadata, &decoded); err != nil {
		return "", fmt.Errorf("decoding authentication step metadata: %w", err)
	}
	if decoded.Code == nil {
		return "", ErrNoCode
	}
	if *decoded.Code == "" {
		return "", ErrEmptyCode
	}
	return *decoded.Code, nil
}
