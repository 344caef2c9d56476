// Package rotation renews and rotates the signing credential held in a
// versioned secrets store.
//
// Two paths share the same collaborators:
//
//  1. **Controller** drives the four-step rotation protocol of a rotation
//     service (createSecret, setSecret, testSecret, finishSecret). Each call
//     handles exactly one step. Steps are delivered at least once and may be
//     retried or delayed, so every step re-reads the version stages from the
//     store and is safe to repeat.
//  2. **Renewer** is the single-shot path used without a rotation service. It
//     reads the stored credential, asks IsDue, and when renewal is due mints a
//     replacement and overwrites the secret in one call.
//
// # Version stages
//
// A secret has several versions, each tagged with zero or more stage labels.
// At most one version is StageCurrent and at most one is StagePending. The
// rotation service creates the pending version id (the client request token)
// before createSecret runs; finishSecret moves StageCurrent onto it.
//
// # Collaborators
//
// SecretsStore, CredentialIssuer and MetricsSink are injected at construction.
// Nothing here reads the environment or caches store state between calls.
//
// # Usage Example
//
//	controller := rotation.NewController(store, issuer, sink, rotation.Options{
//	    TTLMinutes:    43200,
//	    ExportMetrics: true,
//	}, logger)
//
//	outcome, err := controller.ProcessRotation(ctx, rotation.Event{
//	    SecretID:           "arn:aws:secretsmanager:us-east-1:123456789012:secret:signing-key",
//	    ClientRequestToken: "5f1c1c3e-7d3a-4c1e-9b7f-2a1e0c9d8b7a",
//	    Step:               rotation.StepCreate,
//	})
package rotation
