package secretstores

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/systmms/signkey/internal/awsclient"
	"github.com/systmms/signkey/pkg/rotation"
)

// Secret store types
const (
	TypeAWSSecretsManager = "aws-secretsmanager"
	TypeMemory            = "memory"
)

// Store is a rotation.SecretsStore that can also report on a secret.
type Store interface {
	rotation.SecretsStore
	Name() string
	Describe(ctx context.Context, secretID string) (SecretInfo, error)
}

// SecretInfo is rotation metadata about one secret
type SecretInfo struct {
	SecretID        string
	Store           string
	Region          string
	RotationEnabled bool
	KMSKeyID        string
	LastChanged     time.Time
	Stages          map[string][]string
}

// CurrentVersion returns the version id holding the current stage, or "".
func (i SecretInfo) CurrentVersion() string {
	for id, labels := range i.Stages {
		for _, l := range labels {
			if l == rotation.StageCurrent {
				return id
			}
		}
	}
	return ""
}

// Factory creates a store from AWS settings
type Factory func(ctx context.Context, settings awsclient.Settings) (Store, error)

// Registry manages secret store creation and registration
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a new secret store registry with built-in secret stores
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register(TypeAWSSecretsManager, func(ctx context.Context, settings awsclient.Settings) (Store, error) {
		return NewAWSSecretsManagerStore(ctx, settings)
	})
	r.Register(TypeMemory, func(ctx context.Context, settings awsclient.Settings) (Store, error) {
		return NewMemoryStore(), nil
	})

	return r
}

// Register adds or replaces the factory for a store type
func (r *Registry) Register(storeType string, factory Factory) {
	r.factories[storeType] = factory
}

// Create creates a secret store instance of the given type
func (r *Registry) Create(ctx context.Context, storeType string, settings awsclient.Settings) (Store, error) {
	factory, ok := r.factories[storeType]
	if !ok {
		return nil, fmt.Errorf("unknown secret store type: %s (supported: %v)", storeType, r.SupportedTypes())
	}
	return factory(ctx, settings)
}

// SupportedTypes returns the registered store types, sorted
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for storeType := range r.factories {
		types = append(types, storeType)
	}
	sort.Strings(types)
	return types
}

// IsSupported checks if a secret store type is supported
func (r *Registry) IsSupported(storeType string) bool {
	_, ok := r.factories[storeType]
	return ok
}
