package rotation

// Step is one phase of the rotation protocol.
type Step string

const (
	// StepCreate creates the new credential and stores it as the pending version.
	StepCreate Step = "createSecret"

	// StepSet would push the pending credential into a downstream service.
	// signkey has none, so the step does nothing.
	StepSet Step = "setSecret"

	// StepTest would verify the pending credential against a downstream service.
	// signkey has none, so the step does nothing.
	StepTest Step = "testSecret"

	// StepFinish moves the current stage onto the pending version.
	StepFinish Step = "finishSecret"
)

// Valid reports whether s is one of the four rotation steps.
func (s Step) Valid() bool {
	switch s {
	case StepCreate, StepSet, StepTest, StepFinish:
		return true
	default:
		return false
	}
}

// Event is the payload of one rotation step invocation. Field names match the
// payload sent by the rotation service.
type Event struct {
	// SecretID is the ARN or name of the secret being rotated.
	SecretID string `json:"SecretId"`

	// ClientRequestToken is the version id the rotation works on.
	ClientRequestToken string `json:"ClientRequestToken"`

	// Step is the phase this invocation handles.
	Step Step `json:"Step"`
}

// IsRotation reports whether all rotation-service fields are present.
func (e Event) IsRotation() bool {
	return e.SecretID != "" && e.ClientRequestToken != "" && e.Step != ""
}

// HasRotationFields reports whether any rotation-only field is present.
func (e Event) HasRotationFields() bool {
	return e.ClientRequestToken != "" || e.Step != ""
}
