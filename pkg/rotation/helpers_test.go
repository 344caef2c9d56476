package rotation_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/internal/secretstores"
	"github.com/systmms/signkey/pkg/rotation"
	"github.com/systmms/signkey/pkg/signingkey"
)

const testSecretID = "signing-key"

var fixedNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

// recordingStore counts the mutating calls made against a MemoryStore.
type recordingStore struct {
	*secretstores.MemoryStore

	mu      sync.Mutex
	puts    []rotation.PutVersionRequest
	creates []rotation.CreateSecretRequest
	moves   []rotation.MoveStageRequest
	getErr  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: secretstores.NewMemoryStore()}
}

func (s *recordingStore) GetValue(ctx context.Context, req rotation.GetValueRequest) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.MemoryStore.GetValue(ctx, req)
}

func (s *recordingStore) CreateSecret(ctx context.Context, req rotation.CreateSecretRequest) error {
	s.mu.Lock()
	s.creates = append(s.creates, req)
	s.mu.Unlock()
	return s.MemoryStore.CreateSecret(ctx, req)
}

func (s *recordingStore) PutVersionValue(ctx context.Context, req rotation.PutVersionRequest) error {
	s.mu.Lock()
	s.puts = append(s.puts, req)
	s.mu.Unlock()
	return s.MemoryStore.PutVersionValue(ctx, req)
}

func (s *recordingStore) MoveStage(ctx context.Context, req rotation.MoveStageRequest) error {
	s.mu.Lock()
	s.moves = append(s.moves, req)
	s.mu.Unlock()
	return s.MemoryStore.MoveStage(ctx, req)
}

func (s *recordingStore) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts) + len(s.creates) + len(s.moves)
}

// fakeIssuer mints predictable credentials.
type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	ttls  []int
	err   error
	now   time.Time
}

func (f *fakeIssuer) Issue(ctx context.Context, ttlMinutes int) (signingkey.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.ttls = append(f.ttls, ttlMinutes)
	if f.err != nil {
		return signingkey.Credential{}, f.err
	}
	return signingkey.Credential{
		KeyID:     fmt.Sprintf("issued-%d", f.calls),
		Endpoint:  "cell-1.example.com",
		Key:       "key-material",
		ExpiresAt: f.now.Add(time.Duration(ttlMinutes) * time.Minute),
	}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSink records observations and can be made to fail.
type fakeSink struct {
	mu       sync.Mutex
	observed []time.Time
	err      error
}

func (f *fakeSink) RecordSecondsUntilExpiry(ctx context.Context, secretID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.observed = append(f.observed, expiresAt)
	return f.err
}

func (f *fakeSink) observations() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.observed...)
}

var errSinkDown = errors.New("pushgateway unreachable")

func testOptions(exportMetrics bool) rotation.Options {
	return rotation.Options{
		TTLMinutes:      30 * 24 * 60,
		RenewWithinDays: 30,
		ExportMetrics:   exportMetrics,
		Now:             func() time.Time { return fixedNow },
	}
}

func testLogger(t *testing.T) (*logging.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return logging.NewWithWriter(&buf, true, true), &buf
}

// encoded returns a stored value for a credential expiring after d.
func encoded(t *testing.T, keyID string, d time.Duration) string {
	t.Helper()
	value, err := signingkey.Encode(signingkey.Credential{
		KeyID:     keyID,
		Endpoint:  "cell-1.example.com",
		Key:       "old-material",
		ExpiresAt: fixedNow.Add(d),
	})
	require.NoError(t, err)
	return value
}

// seedCurrent creates the secret with a current credential and returns the
// current version id.
func seedCurrent(t *testing.T, store *recordingStore) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.MemoryStore.CreateSecret(ctx, rotation.CreateSecretRequest{
		SecretID: testSecretID,
		Value:    encoded(t, "original", 5*24*time.Hour),
	}))
	require.NoError(t, store.SetRotationEnabled(testSecretID, true))

	stages, err := store.ListVersionStages(ctx, testSecretID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	for id := range stages {
		return id
	}
	return ""
}

func currentHolders(t *testing.T, store rotation.SecretsStore) []string {
	t.Helper()
	stages, err := store.ListVersionStages(context.Background(), testSecretID)
	require.NoError(t, err)

	var holders []string
	for id, labels := range stages {
		for _, l := range labels {
			if l == rotation.StageCurrent {
				holders = append(holders, id)
			}
		}
	}
	return holders
}
