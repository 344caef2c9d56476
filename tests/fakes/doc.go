// Package fakes provides test doubles for the AWS SDK clients signkey uses.
//
// The fakes implement the narrow client interfaces of the Secrets Manager
// store, the issuer token sources and the AWS identity check, so those
// adapters can be tested without AWS. They are written by hand rather than
// generated to keep precise control over version-stage behaviour.
//
// Usage:
//
//	fake := fakes.NewFakeSecretsManagerClient()
//	fake.AddSecretString("cdn/signing-key", "v1", value)
//	fake.EnableRotation("cdn/signing-key")
//	store, _ := secretstores.NewAWSSecretsManagerStore(ctx, settings,
//	    secretstores.WithSecretsManagerClient(fake))
//	// Test store methods...
package fakes
