// Package signingkey defines the signing credential managed by signkey and the
// shape it takes when stored as a secret value.
//
// A stored value always has the form
//
//	{"signingKey": "<JSON-serialized Credential>"}
//
// The credential is serialized to a string and wrapped so that the top-level
// shape of the secret never changes, even if the credential schema evolves.
package signingkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// WrapperField is the single top-level field of a stored secret value.
const WrapperField = "signingKey"

// ErrMalformedCredential is returned when a stored value cannot be decoded into
// a valid Credential. It signals a data-integrity problem, not a renewal
// decision.
var ErrMalformedCredential = errors.New("malformed signing credential")

// Credential is a time-limited signing key minted by a credential issuer.
type Credential struct {
	KeyID     string    `json:"keyId"`
	Endpoint  string    `json:"endpoint"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Validate checks the fields every stored credential must carry.
func (c Credential) Validate() error {
	var problems []string
	if c.KeyID == "" {
		problems = append(problems, "keyId is empty")
	}
	if c.ExpiresAt.IsZero() {
		problems = append(problems, "expiresAt is missing")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedCredential, strings.Join(problems, ", "))
	}
	return nil
}

// TimeUntilExpiry returns how long the credential stays valid after now.
// The result is negative for an expired credential.
func (c Credential) TimeUntilExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// storedValueSchema pins the wrapper shape. The inner credential is a string
// on purpose: it is decoded separately so its schema can change underneath.
const storedValueSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["signingKey"],
  "properties": {
    "signingKey": {"type": "string", "minLength": 2}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(storedValueSchema)

// Encode serializes c into the wrapped secret value.
func Encode(c Credential) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	inner, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}

	outer, err := json.Marshal(map[string]string{WrapperField: string(inner)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal stored value: %w", err)
	}
	return string(outer), nil
}

// Decode parses a wrapped secret value back into a Credential.
func Decode(value string) (Credential, error) {
	if err := validateWrapper(value); err != nil {
		return Credential{}, err
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &wrapper); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	var inner string
	if err := json.Unmarshal(wrapper[WrapperField], &inner); err != nil {
		return Credential{}, fmt.Errorf("%w: %s is not a string: %v", ErrMalformedCredential, WrapperField, err)
	}

	var c Credential
	if err := json.Unmarshal([]byte(inner), &c); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

func validateWrapper(value string) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(value))
	if err != nil {
		// The document itself is not JSON.
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformedCredential, strings.Join(errorMessages, "; "))
	}
	return nil
}
