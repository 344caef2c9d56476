package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/signkey/internal/awsclient"
	"github.com/systmms/signkey/internal/config"
	"github.com/systmms/signkey/internal/handler"
	"github.com/systmms/signkey/internal/metrics"
	"github.com/systmms/signkey/internal/secretstores"
	"github.com/systmms/signkey/pkg/rotation"
	"github.com/systmms/signkey/tests/fakes"
	"github.com/systmms/signkey/tests/testutil"
)

const testSecretID = "cdn/signing-key"

// useMemoryStore routes the memory store type to one shared store for the
// duration of the test.
func useMemoryStore(t *testing.T) *secretstores.MemoryStore {
	t.Helper()
	store := secretstores.NewMemoryStore()
	previous := storeRegistry
	storeRegistry = secretstores.NewRegistry()
	storeRegistry.Register(secretstores.TypeMemory, func(ctx context.Context, _ awsclient.Settings) (secretstores.Store, error) {
		return store, nil
	})
	t.Cleanup(func() { storeRegistry = previous })
	return store
}

func localConfig(t *testing.T, extra string) (*config.Config, *testutil.LogCapture) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signkey.yaml")
	body := `secret_id: ` + testSecretID + `
store: memory
renewal:
  ttl_minutes: 60
  renew_within_days: 0
issuer:
  type: local
  endpoint: cell.example.com
` + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	logs := testutil.NewLogCapture(t, false)
	return &config.Config{Path: path, Logger: logs.Logger}, logs
}

func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHandleCommandRenewalThenRotation(t *testing.T) {
	store := useMemoryStore(t)
	cfg, _ := localConfig(t, "")

	out, err := execute(t, NewHandleCommand(cfg), "{}")
	require.NoError(t, err)
	var result handler.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, handler.ModeRenewal, result.Mode)
	assert.Equal(t, string(rotation.RenewalCreated), result.Outcome)

	require.NoError(t, store.BeginRotation(testSecretID, "t1"))
	for _, step := range []string{"createSecret", "setSecret", "testSecret", "finishSecret"} {
		payload := `{"SecretId":"` + testSecretID + `","ClientRequestToken":"t1","Step":"` + step + `"}`
		_, err := execute(t, NewHandleCommand(cfg), payload)
		require.NoError(t, err, step)
	}
	assert.Equal(t, []string{rotation.StageCurrent}, store.Stages(testSecretID, "t1"))
}

func TestHandleCommandFromFile(t *testing.T) {
	useMemoryStore(t)
	cfg, _ := localConfig(t, "")

	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"SecretId":"`+testSecretID+`"}`), 0o600))

	out, err := execute(t, NewHandleCommand(cfg), "", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"outcome": "created"`)

	_, err = execute(t, NewHandleCommand(cfg), "", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to open event file")
}

func TestHandleCommandRotationErrorPropagates(t *testing.T) {
	useMemoryStore(t)
	cfg, _ := localConfig(t, "")

	_, err := execute(t, NewHandleCommand(cfg), `{"SecretId":"`+testSecretID+`","ClientRequestToken":"t1","Step":"createSecret"}`)
	assert.ErrorIs(t, err, rotation.ErrNotFound)
}

func TestRenewCommand(t *testing.T) {
	useMemoryStore(t)
	cfg, logs := localConfig(t, "")

	out, err := execute(t, NewRenewCommand(cfg), "")
	require.NoError(t, err)
	assert.Contains(t, out, "Action:   created")
	assert.Contains(t, out, "Secret:   "+testSecretID)

	out, err = execute(t, NewRenewCommand(cfg), "")
	require.NoError(t, err)
	assert.Contains(t, out, "Action:   skipped")
	logs.AssertContains(t, "Renewal of "+testSecretID+": skipped")
	logs.AssertLogCount(t, "error", 0)

	out, err = execute(t, NewRenewCommand(cfg), "", "--secret-id", "other/key")
	require.NoError(t, err)
	assert.Contains(t, out, "Secret:   other/key")
}

func TestRenewCommandInvalidConfig(t *testing.T) {
	useMemoryStore(t)
	cfg, _ := localConfig(t, "")
	require.NoError(t, os.WriteFile(cfg.Path, []byte("store: memory\nissuer:\n  type: local\n"), 0o600))
	t.Setenv("SIGNING_KEY_SECRET_ID", "")

	_, err := execute(t, NewRenewCommand(cfg), "")
	assert.ErrorContains(t, err, "secret id is required")
}

func TestStatusCommand(t *testing.T) {
	store := useMemoryStore(t)
	cfg, _ := localConfig(t, "")

	_, err := execute(t, NewStatusCommand(cfg), "")
	assert.ErrorContains(t, err, "run 'signkey renew'")

	value := testutil.EncodedCredential(t, "K2JCJMDEHXQW5F", time.Now().Add(72*time.Hour))
	require.NoError(t, store.CreateSecret(context.Background(), rotation.CreateSecretRequest{SecretID: testSecretID, Value: value}))

	out, err := execute(t, NewStatusCommand(cfg), "")
	require.NoError(t, err)
	assert.Contains(t, out, "K2JCJMDEHXQW5F")
	assert.Contains(t, out, "Renewal due:")
	assert.Contains(t, out, "AWSCURRENT")
	assert.NotContains(t, out, testutil.Credential("", time.Time{}).Key, "key material is never printed")

	out, err = execute(t, NewStatusCommand(cfg), "", "--format", "json")
	require.NoError(t, err)
	var status KeyStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "K2JCJMDEHXQW5F", status.KeyID)
	assert.False(t, status.Due)
	assert.Greater(t, status.SecondsRemaining, int64(71*3600))

	out, err = execute(t, NewStatusCommand(cfg), "", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "key_id: K2JCJMDEHXQW5F")

	_, err = execute(t, NewStatusCommand(cfg), "", "--format", "xml")
	assert.ErrorContains(t, err, "unsupported format")
}

func TestDoctorCommandLocal(t *testing.T) {
	useMemoryStore(t)
	cfg, _ := localConfig(t, "")

	out, err := execute(t, NewDoctorCommand(cfg), "")
	require.NoError(t, err)
	assert.Contains(t, out, "CHECK")
	assert.Contains(t, out, "configuration")
	assert.Contains(t, out, "does not exist yet")
	assert.NotContains(t, out, "aws identity")
}

func TestDoctorCommandMalformedKey(t *testing.T) {
	store := useMemoryStore(t)
	cfg, _ := localConfig(t, "")
	require.NoError(t, store.CreateSecret(context.Background(), rotation.CreateSecretRequest{SecretID: testSecretID, Value: `{"signingKey":"not json"}`}))

	out, err := execute(t, NewDoctorCommand(cfg), "")
	require.Error(t, err)
	assert.Contains(t, out, "signing key")
	assert.Contains(t, out, "renewal will not overwrite it")
}

func TestDoctorCommandAWS(t *testing.T) {
	cfg, _ := localConfig(t, "")
	require.NoError(t, os.WriteFile(cfg.Path, []byte(`secret_id: `+testSecretID+`
store: aws-secretsmanager
issuer:
  type: http
  endpoint: https://issuer.example.com
  token:
    source: env
    env_var: SIGNKEY_TEST_DOCTOR_TOKEN
`), 0o600))
	t.Setenv("SIGNKEY_TEST_DOCTOR_TOKEN", "token")

	fakeSM := fakes.NewFakeSecretsManagerClient()
	previous := storeRegistry
	storeRegistry = secretstores.NewRegistry()
	storeRegistry.Register(secretstores.TypeAWSSecretsManager, func(ctx context.Context, s awsclient.Settings) (secretstores.Store, error) {
		return secretstores.NewAWSSecretsManagerStore(ctx, s, secretstores.WithSecretsManagerClient(fakeSM))
	})
	t.Cleanup(func() { storeRegistry = previous })

	previousSTS := newSTSClient
	newSTSClient = func(ctx context.Context, s awsclient.Settings) (awsclient.STSClientAPI, error) {
		return &fakes.FakeSTSClient{Account: "123456789012", ARN: "arn:aws:iam::123456789012:role/signkey", UserID: "AROA"}, nil
	}
	t.Cleanup(func() { newSTSClient = previousSTS })

	t.Setenv("AWS_CONFIG_FILE", "/dev/null")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/dev/null")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	value := testutil.EncodedCredential(t, "k1", time.Now().Add(time.Hour))
	fakeSM.AddSecretString(testSecretID, "v1", value)
	fakeSM.EnableRotation(testSecretID)

	out, err := execute(t, NewDoctorCommand(cfg), "")
	require.NoError(t, err, out)
	assert.Contains(t, out, "arn:aws:iam::123456789012:role/signkey")
	assert.Contains(t, out, "current version v1")
	assert.Contains(t, out, "readable from env")
}

func TestDoctorCommandIdentityFailure(t *testing.T) {
	got := checkIdentityWith(t, errors.New("ExpiredToken"))
	assert.Equal(t, "error", got.Status)
}

func checkIdentityWith(t *testing.T, stsErr error) Check {
	t.Helper()
	previous := newSTSClient
	newSTSClient = func(ctx context.Context, s awsclient.Settings) (awsclient.STSClientAPI, error) {
		return &fakes.FakeSTSClient{Err: stsErr}, nil
	}
	t.Cleanup(func() { newSTSClient = previous })
	return checkIdentity(context.Background(), awsclient.Settings{})
}

func TestExpiryRefresher(t *testing.T) {
	store := useMemoryStore(t)
	m := metrics.New()
	r := &expiryRefresher{store: store, sink: metrics.NewPrometheusSink(m), secretID: testSecretID}

	assert.ErrorIs(t, r.refresh(context.Background()), rotation.ErrNotFound)

	value := testutil.EncodedCredential(t, "k1", time.Now().Add(2*time.Hour))
	require.NoError(t, store.CreateSecret(context.Background(), rotation.CreateSecretRequest{SecretID: testSecretID, Value: value}))
	require.NoError(t, r.refresh(context.Background()))
	assert.Equal(t, 1, promtest.CollectAndCount(m.TimeUntilExpiry()))
	assert.InDelta(t, 7200, promtest.ToFloat64(m.TimeUntilExpiry().WithLabelValues(testSecretID)), 5)
}

func TestLambdaHandler(t *testing.T) {
	useMemoryStore(t)
	cfg, _ := localConfig(t, "")
	require.NoError(t, loadConfig(cfg))
	rt, err := handler.Build(context.Background(), cfg.Definition, storeRegistry, nil)
	require.NoError(t, err)
	defer rt.Close()

	fn := lambdaHandler(rt.Handler)
	result, err := fn(context.Background(), json.RawMessage(`{"source":"aws.events","detail-type":"Scheduled Event"}`))
	require.NoError(t, err)
	assert.Equal(t, string(rotation.RenewalCreated), result.Outcome)
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 0, want: "expired"},
		{in: -time.Hour, want: "expired"},
		{in: 90 * time.Minute, want: "1h30m"},
		{in: 50 * time.Hour, want: "2d2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatRemaining(tt.in))
	}
}
