package rotation

import (
	"errors"
	"fmt"
)

// Failure conditions of a rotation step or renewal. Callers match them with
// errors.Is.
var (
	// ErrMalformedEvent means a required trigger field is empty.
	ErrMalformedEvent = errors.New("malformed rotation event")

	// ErrUnknownVersion means the client request token names no version of the secret.
	ErrUnknownVersion = errors.New("unknown secret version")

	// ErrNotPendingForRotation means the token's version is neither current nor pending.
	ErrNotPendingForRotation = errors.New("secret version not pending for rotation")

	// ErrCurrentVersionMissing means createSecret found no current version to rotate from.
	ErrCurrentVersionMissing = errors.New("secret has no current version")

	// ErrUnknownStep means the step name is not one of the four rotation steps.
	ErrUnknownStep = errors.New("unknown rotation step")

	// ErrIssuerFailure wraps any failure to mint a credential.
	ErrIssuerFailure = errors.New("credential issuer failure")

	// ErrNotFound is returned by SecretsStore reads of a missing secret or version.
	ErrNotFound = errors.New("secret not found")

	// ErrAlreadyExists is returned by SecretsStore.CreateSecret for an existing secret.
	ErrAlreadyExists = errors.New("secret already exists")

	// ErrRotationNotEnabled is returned by SecretsStore.ListVersionStages when
	// the secret is not configured for rotation.
	ErrRotationNotEnabled = errors.New("secret not enabled for rotation")
)

// StepError records which rotation step failed for which secret version.
type StepError struct {
	Step     Step
	SecretID string
	Token    string
	Err      error
}

func (e *StepError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("rotation of %s (version %s): %v", e.SecretID, e.Token, e.Err)
	}
	return fmt.Sprintf("%s for %s (version %s): %v", e.Step, e.SecretID, e.Token, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
