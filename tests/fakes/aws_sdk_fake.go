package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	stageCurrent  = "AWSCURRENT"
	stagePrevious = "AWSPREVIOUS"
)

// FakeSecretsManagerClient is an in-memory Secrets Manager that keeps
// versions and moves staging labels the way the service does.
type FakeSecretsManagerClient struct {
	mu sync.Mutex

	// Secrets maps secret names to their data
	Secrets map[string]*SecretData
	// Errors maps secret names to errors returned by every operation
	Errors map[string]error
	// Calls records operation names in call order
	Calls []string

	// GetSecretValueFunc allows custom behavior for GetSecretValue
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	// PutSecretValueFunc allows custom behavior for PutSecretValue
	PutSecretValueFunc func(ctx context.Context, params *secretsmanager.PutSecretValueInput) (*secretsmanager.PutSecretValueOutput, error)

	nextVersion int
}

// SecretData holds the data for a fake secret
type SecretData struct {
	Versions        map[string]*VersionData
	Description     *string
	KmsKeyId        *string
	RotationEnabled *bool
	CreatedDate     *time.Time
	LastChangedDate *time.Time
}

// VersionData holds one version of a fake secret
type VersionData struct {
	SecretString *string
	SecretBinary []byte
	Stages       []string
}

// NewFakeSecretsManagerClient creates a new fake Secrets Manager client
func NewFakeSecretsManagerClient() *FakeSecretsManagerClient {
	return &FakeSecretsManagerClient{
		Secrets: make(map[string]*SecretData),
		Errors:  make(map[string]error),
	}
}

// AddSecretString adds a secret with a single current version
func (f *FakeSecretsManagerClient) AddSecretString(name, versionID, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.Secrets[name] = &SecretData{
		Versions: map[string]*VersionData{
			versionID: {SecretString: aws.String(value), Stages: []string{stageCurrent}},
		},
		CreatedDate:     &now,
		LastChangedDate: &now,
	}
}

// AddVersion adds a version, with or without a value, carrying stages
func (f *FakeSecretsManagerClient) AddVersion(name, versionID string, value *string, stages ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data := f.Secrets[name]
	data.Versions[versionID] = &VersionData{SecretString: value}
	for _, stage := range stages {
		data.attach(stage, versionID)
	}
}

// EnableRotation marks a secret as configured for rotation
func (f *FakeSecretsManagerClient) EnableRotation(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Secrets[name].RotationEnabled = aws.Bool(true)
}

// AddError configures the fake to return an error for a specific secret
func (f *FakeSecretsManagerClient) AddError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[name] = err
}

// StagesOf returns the sorted stages on a version
func (f *FakeSecretsManagerClient) StagesOf(name, versionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.Secrets[name]
	if !ok || data.Versions[versionID] == nil {
		return nil
	}
	out := append([]string(nil), data.Versions[versionID].Stages...)
	sort.Strings(out)
	return out
}

// GetSecretValue fakes the GetSecretValue operation
func (f *FakeSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if f.GetSecretValueFunc != nil {
		return f.GetSecretValueFunc(ctx, params)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "GetSecretValue")

	secretName := aws.ToString(params.SecretId)
	data, err := f.lookup(secretName)
	if err != nil {
		return nil, err
	}

	stage := aws.ToString(params.VersionStage)
	versionID := aws.ToString(params.VersionId)
	if versionID == "" {
		if stage == "" {
			stage = stageCurrent
		}
		versionID = data.holder(stage)
	}

	v, ok := data.Versions[versionID]
	if !ok || (v.SecretString == nil && v.SecretBinary == nil) {
		return nil, notFound(fmt.Sprintf("Secrets Manager can't find the specified secret value for VersionId: %s", versionID))
	}
	if stage != "" && !hasStage(v.Stages, stage) {
		return nil, notFound(fmt.Sprintf("Secrets Manager can't find the specified secret value for staging label: %s", stage))
	}

	return &secretsmanager.GetSecretValueOutput{
		ARN:           aws.String(arn(secretName)),
		Name:          params.SecretId,
		SecretString:  v.SecretString,
		SecretBinary:  v.SecretBinary,
		VersionId:     aws.String(versionID),
		VersionStages: append([]string(nil), v.Stages...),
		CreatedDate:   data.CreatedDate,
	}, nil
}

// CreateSecret fakes the CreateSecret operation
func (f *FakeSecretsManagerClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "CreateSecret")

	secretName := aws.ToString(params.Name)
	if err, exists := f.Errors[secretName]; exists {
		return nil, err
	}
	if _, exists := f.Secrets[secretName]; exists {
		return nil, &types.ResourceExistsException{
			Message: aws.String(fmt.Sprintf("The operation failed because the secret %s already exists.", secretName)),
		}
	}

	versionID := aws.ToString(params.ClientRequestToken)
	if versionID == "" {
		versionID = f.newVersionID()
	}
	now := time.Now()
	f.Secrets[secretName] = &SecretData{
		Versions: map[string]*VersionData{
			versionID: {SecretString: params.SecretString, SecretBinary: params.SecretBinary, Stages: []string{stageCurrent}},
		},
		Description:     params.Description,
		KmsKeyId:        params.KmsKeyId,
		CreatedDate:     &now,
		LastChangedDate: &now,
	}

	return &secretsmanager.CreateSecretOutput{
		ARN:       aws.String(arn(secretName)),
		Name:      params.Name,
		VersionId: aws.String(versionID),
	}, nil
}

// PutSecretValue fakes the PutSecretValue operation
func (f *FakeSecretsManagerClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if f.PutSecretValueFunc != nil {
		return f.PutSecretValueFunc(ctx, params)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "PutSecretValue")

	secretName := aws.ToString(params.SecretId)
	data, err := f.lookup(secretName)
	if err != nil {
		return nil, err
	}

	versionID := aws.ToString(params.ClientRequestToken)
	if versionID == "" {
		versionID = f.newVersionID()
	}

	v, exists := data.Versions[versionID]
	if exists && v.SecretString != nil && aws.ToString(v.SecretString) != aws.ToString(params.SecretString) {
		return nil, &types.ResourceExistsException{
			Message: aws.String(fmt.Sprintf("You can't modify an existing version, you can only create a new version. VersionId: %s", versionID)),
		}
	}
	if !exists {
		v = &VersionData{}
		data.Versions[versionID] = v
	}
	v.SecretString = params.SecretString
	v.SecretBinary = params.SecretBinary

	stages := params.VersionStages
	if len(stages) == 0 {
		stages = []string{stageCurrent}
	}
	for _, stage := range stages {
		data.attach(stage, versionID)
	}
	now := time.Now()
	data.LastChangedDate = &now

	return &secretsmanager.PutSecretValueOutput{
		ARN:           aws.String(arn(secretName)),
		Name:          params.SecretId,
		VersionId:     aws.String(versionID),
		VersionStages: append([]string(nil), v.Stages...),
	}, nil
}

// DescribeSecret fakes the DescribeSecret operation
func (f *FakeSecretsManagerClient) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "DescribeSecret")

	secretName := aws.ToString(params.SecretId)
	data, err := f.lookup(secretName)
	if err != nil {
		return nil, err
	}

	stages := make(map[string][]string)
	for id, v := range data.Versions {
		if len(v.Stages) > 0 {
			stages[id] = append([]string(nil), v.Stages...)
		}
	}

	return &secretsmanager.DescribeSecretOutput{
		ARN:                aws.String(arn(secretName)),
		Name:               params.SecretId,
		Description:        data.Description,
		KmsKeyId:           data.KmsKeyId,
		RotationEnabled:    data.RotationEnabled,
		CreatedDate:        data.CreatedDate,
		LastChangedDate:    data.LastChangedDate,
		VersionIdsToStages: stages,
	}, nil
}

// UpdateSecretVersionStage fakes the UpdateSecretVersionStage operation
func (f *FakeSecretsManagerClient) UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "UpdateSecretVersionStage")

	secretName := aws.ToString(params.SecretId)
	data, err := f.lookup(secretName)
	if err != nil {
		return nil, err
	}

	stage := aws.ToString(params.VersionStage)
	to := aws.ToString(params.MoveToVersionId)
	if _, ok := data.Versions[to]; !ok {
		return nil, notFound(fmt.Sprintf("Secrets Manager can't find the specified secret version: %s", to))
	}

	holder := data.holder(stage)
	if holder != "" && holder != to && aws.ToString(params.RemoveFromVersionId) != holder {
		return nil, &types.InvalidParameterException{
			Message: aws.String(fmt.Sprintf("The parameter RemoveFromVersionId can't be empty. Staging label %s is currently attached to version %s, so you must explicitly reference that version in RemoveFromVersionId.", stage, holder)),
		}
	}
	data.attach(stage, to)

	return &secretsmanager.UpdateSecretVersionStageOutput{
		ARN:  aws.String(arn(secretName)),
		Name: params.SecretId,
	}, nil
}

func (f *FakeSecretsManagerClient) lookup(secretName string) (*SecretData, error) {
	if err, exists := f.Errors[secretName]; exists {
		return nil, err
	}
	data, exists := f.Secrets[secretName]
	if !exists {
		return nil, notFound(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", secretName))
	}
	return data, nil
}

func (f *FakeSecretsManagerClient) newVersionID() string {
	f.nextVersion++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", f.nextVersion)
}

// holder returns the version carrying stage, or "".
func (d *SecretData) holder(stage string) string {
	for id, v := range d.Versions {
		if hasStage(v.Stages, stage) {
			return id
		}
	}
	return ""
}

// attach moves stage onto versionID. Moving AWSCURRENT labels the old holder
// AWSPREVIOUS, as the service does.
func (d *SecretData) attach(stage, versionID string) {
	previous := d.holder(stage)
	if previous == versionID {
		return
	}
	if previous != "" {
		d.Versions[previous].Stages = withoutStage(d.Versions[previous].Stages, stage)
		if stage == stageCurrent {
			d.attach(stagePrevious, previous)
		}
	}
	v := d.Versions[versionID]
	v.Stages = append(v.Stages, stage)
	if stage == stageCurrent {
		v.Stages = withoutStage(v.Stages, "AWSPENDING")
		v.Stages = withoutStage(v.Stages, stagePrevious)
	}
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

func withoutStage(stages []string, stage string) []string {
	out := stages[:0]
	for _, s := range stages {
		if s != stage {
			out = append(out, s)
		}
	}
	return out
}

func notFound(msg string) error {
	return &types.ResourceNotFoundException{Message: aws.String(msg)}
}

func arn(secretName string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", secretName)
}

// FakeSSMClient is a fake of the SSM GetParameter operation
type FakeSSMClient struct {
	// Parameters maps parameter names to values
	Parameters map[string]string
	// Errors maps parameter names to errors to return
	Errors map[string]error
	// Decrypted records the WithDecryption flag of each call
	Decrypted []bool
}

// NewFakeSSMClient creates a new fake SSM client
func NewFakeSSMClient() *FakeSSMClient {
	return &FakeSSMClient{
		Parameters: make(map[string]string),
		Errors:     make(map[string]error),
	}
}

// GetParameter fakes the GetParameter operation
func (f *FakeSSMClient) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	paramName := aws.ToString(params.Name)
	f.Decrypted = append(f.Decrypted, aws.ToBool(params.WithDecryption))

	if err, exists := f.Errors[paramName]; exists {
		return nil, err
	}
	value, exists := f.Parameters[paramName]
	if !exists {
		return nil, &ssmtypes.ParameterNotFound{
			Message: aws.String(fmt.Sprintf("Parameter %s not found", paramName)),
		}
	}

	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{
			Name:    params.Name,
			Type:    ssmtypes.ParameterTypeSecureString,
			Value:   aws.String(value),
			Version: 1,
		},
	}, nil
}

// FakeSTSClient is a fake of the STS GetCallerIdentity operation
type FakeSTSClient struct {
	Account string
	ARN     string
	UserID  string
	Err     error
}

// GetCallerIdentity fakes the GetCallerIdentity operation
func (f *FakeSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(f.Account),
		Arn:     aws.String(f.ARN),
		UserId:  aws.String(f.UserID),
	}, nil
}
