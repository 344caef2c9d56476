// Package awsclient builds the AWS SDK configuration shared by every AWS
// client signkey creates.
package awsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	dserrors "github.com/systmms/signkey/internal/errors"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// Settings selects region, endpoint and credentials for AWS clients.
type Settings struct {
	Region   string
	Profile  string
	Endpoint string // Optional custom endpoint for LocalStack or testing

	// Static credentials for LocalStack/testing
	AccessKeyID     string
	SecretAccessKey string

	// AssumeRole is a role ARN assumed on top of the base credentials, for
	// secrets held in another account.
	AssumeRole      string
	RoleSessionName string
	ExternalID      string
}

// STSClientAPI is the subset of STS used by signkey.
type STSClientAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// LoadConfig resolves an aws.Config from the default credential chain plus
// the overrides in s.
func LoadConfig(ctx context.Context, s Settings) (aws.Config, error) {
	region := s.Region
	if region == "" {
		region = DefaultRegion
	}

	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(region))

	if s.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(s.Profile))
	}

	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if s.AssumeRole != "" {
		sessionName := s.RoleSessionName
		if sessionName == "" {
			sessionName = fmt.Sprintf("signkey-%d", time.Now().Unix())
		}
		stsClient := sts.NewFromConfig(cfg, stsOptions(s.Endpoint)...)
		provider := stscreds.NewAssumeRoleProvider(stsClient, s.AssumeRole, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
			if s.ExternalID != "" {
				o.ExternalID = aws.String(s.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}

func stsOptions(endpoint string) []func(*sts.Options) {
	var clientOpts []func(*sts.Options)
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *sts.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return clientOpts
}

// Identity describes the principal the SDK is acting as.
type Identity struct {
	Account string
	ARN     string
	UserID  string
}

// CallerIdentity asks STS who the configured credentials belong to.
func CallerIdentity(ctx context.Context, client STSClientAPI) (Identity, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Identity{}, dserrors.UserError{
			Message:    "Failed to resolve AWS caller identity",
			Details:    err.Error(),
			Suggestion: "Configure AWS credentials: 'aws configure' or set AWS_PROFILE",
			Err:        err,
		}
	}
	return Identity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// NewSTSClient creates an STS client for s.
func NewSTSClient(ctx context.Context, s Settings) (*sts.Client, error) {
	cfg, err := LoadConfig(ctx, s)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg, stsOptions(s.Endpoint)...), nil
}
