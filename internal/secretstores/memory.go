package secretstores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/systmms/signkey/pkg/rotation"
)

type memoryVersion struct {
	value  *string
	stages []string
}

type memorySecret struct {
	versions        map[string]*memoryVersion
	rotationEnabled bool
	kmsKeyID        string
}

// MemoryStore is an in-process SecretsStore with the stage-label semantics of
// AWS Secrets Manager. It backs local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]*memorySecret
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]*memorySecret)}
}

// Name returns the store type name
func (m *MemoryStore) Name() string {
	return TypeMemory
}

// SetRotationEnabled toggles whether ListVersionStages is allowed for a secret.
func (m *MemoryStore) SetRotationEnabled(secretID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[secretID]
	if !ok {
		return fmt.Errorf("%w: %s", rotation.ErrNotFound, secretID)
	}
	s.rotationEnabled = enabled
	return nil
}

// BeginRotation stages an empty version under token with the pending label,
// which is what the rotation service does before invoking createSecret.
func (m *MemoryStore) BeginRotation(secretID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[secretID]
	if !ok {
		return fmt.Errorf("%w: %s", rotation.ErrNotFound, secretID)
	}
	if _, exists := s.versions[token]; !exists {
		s.versions[token] = &memoryVersion{}
	}
	s.attach(rotation.StagePending, token)
	s.rotationEnabled = true
	return nil
}

// KMSKeyID returns the key the secret was created with, if any.
func (m *MemoryStore) KMSKeyID(secretID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.secrets[secretID]; ok {
		return s.kmsKeyID
	}
	return ""
}

// GetValue returns the value of the selected version
func (m *MemoryStore) GetValue(ctx context.Context, req rotation.GetValueRequest) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[req.SecretID]
	if !ok {
		return "", fmt.Errorf("%w: %s", rotation.ErrNotFound, req.SecretID)
	}

	var versionID string
	switch {
	case req.VersionID != nil:
		versionID = *req.VersionID
	case req.VersionStage != nil:
		versionID = s.holder(*req.VersionStage)
	default:
		versionID = s.holder(rotation.StageCurrent)
	}

	v, ok := s.versions[versionID]
	if !ok || v.value == nil {
		return "", fmt.Errorf("%w: %s has no value for version %q", rotation.ErrNotFound, req.SecretID, versionID)
	}
	if req.VersionStage != nil && !contains(v.stages, *req.VersionStage) {
		return "", fmt.Errorf("%w: version %s of %s is not staged %s", rotation.ErrNotFound, versionID, req.SecretID, *req.VersionStage)
	}
	return *v.value, nil
}

// CreateSecret creates a secret whose first version is current
func (m *MemoryStore) CreateSecret(ctx context.Context, req rotation.CreateSecretRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.secrets[req.SecretID]; exists {
		return fmt.Errorf("%w: %s", rotation.ErrAlreadyExists, req.SecretID)
	}

	value := req.Value
	s := &memorySecret{versions: map[string]*memoryVersion{
		uuid.NewString(): {value: &value, stages: []string{rotation.StageCurrent}},
	}}
	if req.KMSKeyID != nil {
		s.kmsKeyID = *req.KMSKeyID
	}
	m.secrets[req.SecretID] = s
	return nil
}

// PutVersionValue writes a version and attaches its stages
func (m *MemoryStore) PutVersionValue(ctx context.Context, req rotation.PutVersionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[req.SecretID]
	if !ok {
		return fmt.Errorf("%w: %s", rotation.ErrNotFound, req.SecretID)
	}

	versionID := uuid.NewString()
	if req.VersionID != nil {
		versionID = *req.VersionID
	}

	v, exists := s.versions[versionID]
	if exists && v.value != nil {
		// Same token, same value is an idempotent retry.
		if *v.value != req.Value {
			return fmt.Errorf("%w: version %s of %s already has a different value", rotation.ErrAlreadyExists, versionID, req.SecretID)
		}
	}
	if !exists {
		v = &memoryVersion{}
		s.versions[versionID] = v
	}
	value := req.Value
	v.value = &value

	stages := req.Stages
	if len(stages) == 0 {
		stages = []string{rotation.StageCurrent}
	}
	for _, stage := range stages {
		s.attach(stage, versionID)
	}
	return nil
}

// ListVersionStages returns version id to stage labels for staged versions
func (m *MemoryStore) ListVersionStages(ctx context.Context, secretID string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[secretID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rotation.ErrNotFound, secretID)
	}
	if !s.rotationEnabled {
		return nil, fmt.Errorf("%w: %s", rotation.ErrRotationNotEnabled, secretID)
	}

	out := make(map[string][]string, len(s.versions))
	for id, v := range s.versions {
		if len(v.stages) == 0 {
			continue
		}
		out[id] = append([]string(nil), v.stages...)
	}
	return out, nil
}

// MoveStage moves a stage label between versions
func (m *MemoryStore) MoveStage(ctx context.Context, req rotation.MoveStageRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[req.SecretID]
	if !ok {
		return fmt.Errorf("%w: %s", rotation.ErrNotFound, req.SecretID)
	}
	if _, ok := s.versions[req.ToVersionID]; !ok {
		return fmt.Errorf("%w: version %s of %s", rotation.ErrNotFound, req.ToVersionID, req.SecretID)
	}

	holder := s.holder(req.Stage)
	if holder != "" && holder != req.ToVersionID {
		if req.FromVersionID == nil || *req.FromVersionID != holder {
			return fmt.Errorf("stage %s is attached to version %s of %s; it must be removed from that version", req.Stage, holder, req.SecretID)
		}
	}
	s.attach(req.Stage, req.ToVersionID)
	return nil
}

// Describe returns rotation metadata about a secret
func (m *MemoryStore) Describe(ctx context.Context, secretID string) (SecretInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[secretID]
	if !ok {
		return SecretInfo{}, fmt.Errorf("%w: %s", rotation.ErrNotFound, secretID)
	}

	info := SecretInfo{
		SecretID:        secretID,
		Store:           TypeMemory,
		RotationEnabled: s.rotationEnabled,
		KMSKeyID:        s.kmsKeyID,
		Stages:          make(map[string][]string),
	}
	for id, v := range s.versions {
		if len(v.stages) > 0 {
			info.Stages[id] = append([]string(nil), v.stages...)
		}
	}
	return info, nil
}

// Stages returns a sorted copy of the stage labels on a version, for tests and
// status output.
func (m *MemoryStore) Stages(secretID, versionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[secretID]
	if !ok {
		return nil
	}
	v, ok := s.versions[versionID]
	if !ok {
		return nil
	}
	out := append([]string(nil), v.stages...)
	sort.Strings(out)
	return out
}

// holder returns the version carrying stage, or "".
func (s *memorySecret) holder(stage string) string {
	for id, v := range s.versions {
		if contains(v.stages, stage) {
			return id
		}
	}
	return ""
}

// attach puts stage on versionID and takes it off every other version. Moving
// the current stage labels the old holder previous.
func (s *memorySecret) attach(stage, versionID string) {
	previous := s.holder(stage)
	if previous == versionID {
		return
	}
	if previous != "" {
		s.versions[previous].stages = remove(s.versions[previous].stages, stage)
		if stage == rotation.StageCurrent {
			s.attach(rotation.StagePrevious, previous)
		}
	}
	v := s.versions[versionID]
	v.stages = append(v.stages, stage)
	if stage == rotation.StageCurrent {
		// A version that becomes current is no longer pending or previous.
		v.stages = remove(v.stages, rotation.StagePending)
		v.stages = remove(v.stages, rotation.StagePrevious)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
