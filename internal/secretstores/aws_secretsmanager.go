package secretstores

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/systmms/signkey/internal/awsclient"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/pkg/rotation"
)

// secretDescription is attached to secrets created by a standalone renewal.
const secretDescription = "Stores a serialized signing key used to create presigned URLs"

// SecretsManagerClientAPI defines the AWS Secrets Manager operations used by
// the store. This allows for mocking in tests.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

// AWSSecretsManagerStore implements rotation.SecretsStore on AWS Secrets Manager
type AWSSecretsManagerStore struct {
	client SecretsManagerClientAPI
	region string
}

// StoreOption is a functional option for configuring stores
type StoreOption func(*AWSSecretsManagerStore)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) StoreOption {
	return func(s *AWSSecretsManagerStore) {
		s.client = client
	}
}

// NewAWSSecretsManagerStore creates a store backed by AWS Secrets Manager
func NewAWSSecretsManagerStore(ctx context.Context, settings awsclient.Settings, opts ...StoreOption) (*AWSSecretsManagerStore, error) {
	region := settings.Region
	if region == "" {
		region = awsclient.DefaultRegion
	}

	s := &AWSSecretsManagerStore{region: region}

	// Apply options (allows fake client injection)
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		cfg, err := awsclient.LoadConfig(ctx, settings)
		if err != nil {
			return nil, err
		}

		// Optional custom endpoint for LocalStack
		var clientOpts []func(*secretsmanager.Options)
		if settings.Endpoint != "" {
			endpoint := settings.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}

	return s, nil
}

// Name returns the store type name
func (s *AWSSecretsManagerStore) Name() string {
	return TypeAWSSecretsManager
}

// GetValue reads a secret value, selected by version id and/or stage
func (s *AWSSecretsManagerStore) GetValue(ctx context.Context, req rotation.GetValueRequest) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(req.SecretID),
		VersionId:    req.VersionID,
		VersionStage: req.VersionStage,
	})
	if err != nil {
		return "", s.handleError(err, "GetSecretValue", req.SecretID)
	}

	switch {
	case result.SecretString != nil:
		return *result.SecretString, nil
	case result.SecretBinary != nil:
		return string(result.SecretBinary), nil
	default:
		return "", fmt.Errorf("%w: secret '%s' has no value", rotation.ErrNotFound, req.SecretID)
	}
}

// CreateSecret creates a new secret whose first version is current
func (s *AWSSecretsManagerStore) CreateSecret(ctx context.Context, req rotation.CreateSecretRequest) error {
	_, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(req.SecretID),
		Description:  aws.String(secretDescription),
		SecretString: aws.String(req.Value),
		KmsKeyId:     req.KMSKeyID,
	})
	if err != nil {
		return s.handleError(err, "CreateSecret", req.SecretID)
	}
	return nil
}

// PutVersionValue writes a new version. A nil VersionID lets the SDK generate
// the client request token; empty Stages lets Secrets Manager label the
// version AWSCURRENT.
func (s *AWSSecretsManagerStore) PutVersionValue(ctx context.Context, req rotation.PutVersionRequest) error {
	input := &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(req.SecretID),
		SecretString:       aws.String(req.Value),
		ClientRequestToken: req.VersionID,
	}
	if len(req.Stages) > 0 {
		input.VersionStages = req.Stages
	}

	if _, err := s.client.PutSecretValue(ctx, input); err != nil {
		return s.handleError(err, "PutSecretValue", req.SecretID)
	}
	return nil
}

// ListVersionStages returns the version to stage map of a rotation-enabled secret
func (s *AWSSecretsManagerStore) ListVersionStages(ctx context.Context, secretID string) (map[string][]string, error) {
	result, err := s.describe(ctx, secretID)
	if err != nil {
		return nil, err
	}
	if !aws.ToBool(result.RotationEnabled) {
		return nil, dserrors.StoreError(TypeAWSSecretsManager, "DescribeSecret",
			fmt.Errorf("%w: secret %s", rotation.ErrRotationNotEnabled, secretID))
	}

	stages := make(map[string][]string, len(result.VersionIdsToStages))
	for id, labels := range result.VersionIdsToStages {
		stages[id] = append([]string(nil), labels...)
	}
	return stages, nil
}

// MoveStage moves a staging label in a single UpdateSecretVersionStage call
func (s *AWSSecretsManagerStore) MoveStage(ctx context.Context, req rotation.MoveStageRequest) error {
	_, err := s.client.UpdateSecretVersionStage(ctx, &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:            aws.String(req.SecretID),
		VersionStage:        aws.String(req.Stage),
		MoveToVersionId:     aws.String(req.ToVersionID),
		RemoveFromVersionId: req.FromVersionID,
	})
	if err != nil {
		return s.handleError(err, "UpdateSecretVersionStage", req.SecretID)
	}
	return nil
}

// Describe returns rotation metadata for status and doctor output
func (s *AWSSecretsManagerStore) Describe(ctx context.Context, secretID string) (SecretInfo, error) {
	result, err := s.describe(ctx, secretID)
	if err != nil {
		return SecretInfo{}, err
	}

	info := SecretInfo{
		SecretID:        secretID,
		Store:           TypeAWSSecretsManager,
		Region:          s.region,
		RotationEnabled: aws.ToBool(result.RotationEnabled),
		KMSKeyID:        aws.ToString(result.KmsKeyId),
		Stages:          result.VersionIdsToStages,
	}
	if result.LastChangedDate != nil {
		info.LastChanged = *result.LastChangedDate
	}
	return info, nil
}

func (s *AWSSecretsManagerStore) describe(ctx context.Context, secretID string) (*secretsmanager.DescribeSecretOutput, error) {
	result, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, s.handleError(err, "DescribeSecret", secretID)
	}
	return result, nil
}

// handleError maps SDK errors onto the rotation sentinels and adds operator
// suggestions.
func (s *AWSSecretsManagerStore) handleError(err error, operation, secretID string) error {
	if isNotFoundError(err) {
		return fmt.Errorf("%w: %s: %v", rotation.ErrNotFound, secretID, err)
	}
	if isExistsError(err) {
		return fmt.Errorf("%w: %s: %v", rotation.ErrAlreadyExists, secretID, err)
	}
	return dserrors.StoreError(TypeAWSSecretsManager, operation, err)
}

// Error checking utilities

func isNotFoundError(err error) bool {
	var resourceNotFound *types.ResourceNotFoundException
	return errors.As(err, &resourceNotFound)
}

func isExistsError(err error) bool {
	var resourceExists *types.ResourceExistsException
	return errors.As(err, &resourceExists)
}
