package rotation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/signkey/pkg/rotation"
	"github.com/systmms/signkey/pkg/signingkey"
)

// scriptedStore answers from fixed data so tests can build stage maps a real
// store would not hand out on its own.
type scriptedStore struct {
	stages     map[string][]string
	current    *string
	pending    map[string]string
	pendingErr error
	puts       []rotation.PutVersionRequest
	moves      []rotation.MoveStageRequest
}

func (s *scriptedStore) GetValue(ctx context.Context, req rotation.GetValueRequest) (string, error) {
	if req.VersionID != nil {
		if s.pendingErr != nil {
			return "", s.pendingErr
		}
		if v, ok := s.pending[*req.VersionID]; ok {
			return v, nil
		}
		return "", fmt.Errorf("%w: version %s", rotation.ErrNotFound, *req.VersionID)
	}
	if s.current == nil {
		return "", fmt.Errorf("%w: no current value", rotation.ErrNotFound)
	}
	return *s.current, nil
}

func (s *scriptedStore) CreateSecret(ctx context.Context, req rotation.CreateSecretRequest) error {
	return errors.New("unexpected CreateSecret")
}

func (s *scriptedStore) PutVersionValue(ctx context.Context, req rotation.PutVersionRequest) error {
	s.puts = append(s.puts, req)
	return nil
}

func (s *scriptedStore) ListVersionStages(ctx context.Context, secretID string) (map[string][]string, error) {
	out := make(map[string][]string, len(s.stages))
	for k, v := range s.stages {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (s *scriptedStore) MoveStage(ctx context.Context, req rotation.MoveStageRequest) error {
	s.moves = append(s.moves, req)
	return nil
}

func TestProcessRotationMalformedEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   rotation.Event
	}{
		{name: "missing secret id", ev: rotation.Event{ClientRequestToken: "t1", Step: rotation.StepCreate}},
		{name: "missing token", ev: rotation.Event{SecretID: testSecretID, Step: rotation.StepCreate}},
		{name: "missing step", ev: rotation.Event{SecretID: testSecretID, ClientRequestToken: "t1"}},
		{name: "empty event", ev: rotation.Event{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newRecordingStore()
			issuer := &fakeIssuer{now: fixedNow}
			c := rotation.NewController(store, issuer, nil, testOptions(false), nil)

			_, err := c.ProcessRotation(context.Background(), tt.ev)
			require.Error(t, err)
			assert.ErrorIs(t, err, rotation.ErrMalformedEvent)
			assert.Zero(t, store.mutations())
			assert.Zero(t, issuer.callCount())
		})
	}
}

func TestProcessRotationUnknownVersion(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	seedCurrent(t, store)
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "never-staged", Step: rotation.StepCreate,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rotation.ErrUnknownVersion)

	var stepErr *rotation.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, rotation.StepCreate, stepErr.Step)
	assert.Equal(t, "never-staged", stepErr.Token)
}

func TestProcessRotationNotPendingForRotation(t *testing.T) {
	t.Parallel()

	steps := []rotation.Step{rotation.StepCreate, rotation.StepSet, rotation.StepTest, rotation.StepFinish}
	for _, step := range steps {
		step := step
		t.Run(string(step), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := newRecordingStore()
			oldVersion := seedCurrent(t, store)

			// Complete one rotation so the original version ends up previous only.
			require.NoError(t, store.BeginRotation(testSecretID, "t1"))
			c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)
			for _, s := range steps {
				_, err := c.ProcessRotation(ctx, rotation.Event{SecretID: testSecretID, ClientRequestToken: "t1", Step: s})
				require.NoError(t, err)
			}
			require.Equal(t, []string{rotation.StagePrevious}, store.Stages(testSecretID, oldVersion))
			before := store.mutations()

			_, err := c.ProcessRotation(ctx, rotation.Event{SecretID: testSecretID, ClientRequestToken: oldVersion, Step: step})
			require.Error(t, err)
			assert.ErrorIs(t, err, rotation.ErrNotPendingForRotation)
			assert.Equal(t, before, store.mutations())
		})
	}
}

func TestProcessRotationAlreadyCurrentReplay(t *testing.T) {
	t.Parallel()

	for _, step := range []rotation.Step{rotation.StepCreate, rotation.StepSet, rotation.StepTest, rotation.StepFinish} {
		step := step
		t.Run(string(step), func(t *testing.T) {
			t.Parallel()

			store := newRecordingStore()
			currentVersion := seedCurrent(t, store)
			issuer := &fakeIssuer{now: fixedNow}
			c := rotation.NewController(store, issuer, &fakeSink{}, testOptions(true), nil)

			outcome, err := c.ProcessRotation(context.Background(), rotation.Event{
				SecretID: testSecretID, ClientRequestToken: currentVersion, Step: step,
			})
			require.NoError(t, err)
			assert.Equal(t, rotation.OutcomeAlreadyCurrent, outcome)
			assert.Zero(t, store.mutations())
			assert.Zero(t, issuer.callCount())
		})
	}
}

func TestProcessRotationUnknownStep(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	seedCurrent(t, store)
	require.NoError(t, store.BeginRotation(testSecretID, "t1"))
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: "rotateSecret",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rotation.ErrUnknownStep)
	assert.Zero(t, store.mutations())
}

func TestProcessRotationRotationNotEnabled(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	seedCurrent(t, store)
	require.NoError(t, store.SetRotationEnabled(testSecretID, false))
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate,
	})
	assert.ErrorIs(t, err, rotation.ErrRotationNotEnabled)
}

func TestCreateSecretFreshPendingVersion(t *testing.T) {
	t.Parallel()

	// No version holds the current stage yet and nothing is stored for t1;
	// the store still serves the secret's default value.
	current := encoded(t, "bootstrap", time.Hour)
	store := &scriptedStore{
		stages:  map[string][]string{"t1": {rotation.StagePending}},
		current: &current,
	}
	issuer := &fakeIssuer{now: fixedNow}
	sink := &fakeSink{}
	c := rotation.NewController(store, issuer, sink, testOptions(false), nil)

	outcome, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate,
	})
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeCreated, outcome)
	assert.Equal(t, 1, issuer.callCount())
	require.Len(t, store.puts, 1)
	assert.Equal(t, "t1", *store.puts[0].VersionID)
	assert.Equal(t, []string{rotation.StagePending}, store.puts[0].Stages)
	assert.Empty(t, sink.observations(), "metrics export disabled")

	cred, err := signingkey.Decode(store.puts[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "issued-1", cred.KeyID)
}

func TestCreateSecretCurrentVersionMissing(t *testing.T) {
	t.Parallel()

	store := &scriptedStore{stages: map[string][]string{"t1": {rotation.StagePending}}}
	issuer := &fakeIssuer{now: fixedNow}
	c := rotation.NewController(store, issuer, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rotation.ErrCurrentVersionMissing)
	assert.Zero(t, issuer.callCount())
	assert.Empty(t, store.puts)
}

func TestCreateSecretPendingReadFailurePropagates(t *testing.T) {
	t.Parallel()

	current := encoded(t, "original", time.Hour)
	throttled := errors.New("ThrottlingException: Rate exceeded")
	store := &scriptedStore{
		stages:     map[string][]string{"v0": {rotation.StageCurrent}, "t1": {rotation.StagePending}},
		current:    &current,
		pendingErr: throttled,
	}
	issuer := &fakeIssuer{now: fixedNow}
	c := rotation.NewController(store, issuer, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, throttled)
	assert.NotErrorIs(t, err, rotation.ErrCurrentVersionMissing)
	assert.Zero(t, issuer.callCount())
}

func TestCreateSecretIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newRecordingStore()
	seedCurrent(t, store)
	require.NoError(t, store.BeginRotation(testSecretID, "t1"))
	issuer := &fakeIssuer{now: fixedNow}
	c := rotation.NewController(store, issuer, nil, testOptions(false), nil)

	ev := rotation.Event{SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate}
	outcome, err := c.ProcessRotation(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeCreated, outcome)

	token, pending := "t1", rotation.StagePending
	first, err := store.GetValue(ctx, rotation.GetValueRequest{SecretID: testSecretID, VersionID: &token, VersionStage: &pending})
	require.NoError(t, err)

	outcome, err = c.ProcessRotation(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeAlreadyPending, outcome)

	second, err := store.GetValue(ctx, rotation.GetValueRequest{SecretID: testSecretID, VersionID: &token, VersionStage: &pending})
	require.NoError(t, err)

	assert.Equal(t, 1, issuer.callCount())
	assert.Len(t, store.puts, 1)
	assert.Equal(t, first, second)
}

func TestCreateSecretIssuerFailure(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	seedCurrent(t, store)
	require.NoError(t, store.BeginRotation(testSecretID, "t1"))
	issuer := &fakeIssuer{now: fixedNow, err: errors.New("issuer returned status 503")}
	c := rotation.NewController(store, issuer, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rotation.ErrIssuerFailure)
	assert.Empty(t, store.puts)
}

func TestCreateSecretMetricsFailureDoesNotFailStep(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	seedCurrent(t, store)
	require.NoError(t, store.BeginRotation(testSecretID, "t1"))
	sink := &fakeSink{err: errSinkDown}
	logger, logs := testLogger(t)
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, sink, testOptions(true), logger)

	outcome, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepCreate,
	})
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeCreated, outcome)
	assert.Len(t, sink.observations(), 1)
	assert.Contains(t, logs.String(), "pushgateway unreachable")
}

func TestSetAndTestSecretAreNoops(t *testing.T) {
	t.Parallel()

	for _, step := range []rotation.Step{rotation.StepSet, rotation.StepTest} {
		step := step
		t.Run(string(step), func(t *testing.T) {
			t.Parallel()

			store := newRecordingStore()
			seedCurrent(t, store)
			require.NoError(t, store.BeginRotation(testSecretID, "t1"))
			issuer := &fakeIssuer{now: fixedNow}
			c := rotation.NewController(store, issuer, nil, testOptions(false), nil)

			outcome, err := c.ProcessRotation(context.Background(), rotation.Event{
				SecretID: testSecretID, ClientRequestToken: "t1", Step: step,
			})
			require.NoError(t, err)
			assert.Equal(t, rotation.OutcomeNoop, outcome)
			assert.Zero(t, store.mutations())
			assert.Zero(t, issuer.callCount())
		})
	}
}

func TestFinishSecretFirstEverRotation(t *testing.T) {
	t.Parallel()

	store := &scriptedStore{stages: map[string][]string{"t1": {rotation.StagePending}}}
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	outcome, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepFinish,
	})
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomePromoted, outcome)
	require.Len(t, store.moves, 1)
	assert.Equal(t, rotation.StageCurrent, store.moves[0].Stage)
	assert.Equal(t, "t1", store.moves[0].ToVersionID)
	assert.Nil(t, store.moves[0].FromVersionID)
}

func TestFinishSecretDemotesPreviousCurrent(t *testing.T) {
	t.Parallel()

	store := &scriptedStore{stages: map[string][]string{
		"v0": {rotation.StageCurrent},
		"vp": {rotation.StagePrevious},
		"t1": {rotation.StagePending},
	}}
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	_, err := c.ProcessRotation(context.Background(), rotation.Event{
		SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepFinish,
	})
	require.NoError(t, err)
	require.Len(t, store.moves, 1)
	require.NotNil(t, store.moves[0].FromVersionID)
	assert.Equal(t, "v0", *store.moves[0].FromVersionID)
}

func TestFinishSecretIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newRecordingStore()
	oldVersion := seedCurrent(t, store)
	require.NoError(t, store.BeginRotation(testSecretID, "t1"))
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	ev := rotation.Event{SecretID: testSecretID, ClientRequestToken: "t1", Step: rotation.StepFinish}
	outcome, err := c.ProcessRotation(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomePromoted, outcome)

	before, err := store.ListVersionStages(ctx, testSecretID)
	require.NoError(t, err)

	outcome, err = c.ProcessRotation(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeAlreadyCurrent, outcome)

	after, err := store.ListVersionStages(ctx, testSecretID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, store.moves, 1)
	assert.Equal(t, []string{rotation.StagePrevious}, store.Stages(testSecretID, oldVersion))
}

func TestFullRotationHappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newRecordingStore()
	oldVersion := seedCurrent(t, store)
	require.NoError(t, store.BeginRotation(testSecretID, "t1"))

	issuer := &fakeIssuer{now: fixedNow}
	sink := &fakeSink{}
	opts := testOptions(true)
	c := rotation.NewController(store, issuer, sink, opts, nil)

	want := map[rotation.Step]rotation.Outcome{
		rotation.StepCreate: rotation.OutcomeCreated,
		rotation.StepSet:    rotation.OutcomeNoop,
		rotation.StepTest:   rotation.OutcomeNoop,
		rotation.StepFinish: rotation.OutcomePromoted,
	}
	for _, step := range []rotation.Step{rotation.StepCreate, rotation.StepSet, rotation.StepTest, rotation.StepFinish} {
		outcome, err := c.ProcessRotation(ctx, rotation.Event{SecretID: testSecretID, ClientRequestToken: "t1", Step: step})
		require.NoError(t, err, "step %s", step)
		assert.Equal(t, want[step], outcome, "step %s", step)
		assert.Len(t, currentHolders(t, store), 1, "exactly one current version after %s", step)
	}

	assert.Equal(t, []string{rotation.StageCurrent}, store.Stages(testSecretID, "t1"))
	assert.NotContains(t, store.Stages(testSecretID, oldVersion), rotation.StageCurrent)
	assert.Equal(t, []string{"t1"}, currentHolders(t, store))

	value, err := store.GetValue(ctx, rotation.GetValueRequest{SecretID: testSecretID})
	require.NoError(t, err)
	cred, err := signingkey.Decode(value)
	require.NoError(t, err)
	assert.Equal(t, "issued-1", cred.KeyID)

	// Metrics reflect the freshly issued credential.
	require.Len(t, sink.observations(), 1)
	assert.True(t, sink.observations()[0].Equal(fixedNow.Add(time.Duration(opts.TTLMinutes)*time.Minute)))
	assert.Equal(t, []int{opts.TTLMinutes}, issuer.ttls)
}

func TestRepeatedRotationsKeepSingleCurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newRecordingStore()
	seedCurrent(t, store)
	c := rotation.NewController(store, &fakeIssuer{now: fixedNow}, nil, testOptions(false), nil)

	for i := 1; i <= 3; i++ {
		token := fmt.Sprintf("t%d", i)
		require.NoError(t, store.BeginRotation(testSecretID, token))
		for _, step := range []rotation.Step{rotation.StepCreate, rotation.StepSet, rotation.StepTest, rotation.StepFinish, rotation.StepFinish} {
			_, err := c.ProcessRotation(ctx, rotation.Event{SecretID: testSecretID, ClientRequestToken: token, Step: step})
			require.NoError(t, err)
		}
		assert.Equal(t, []string{token}, currentHolders(t, store))
	}
	assert.Equal(t, []string{rotation.StagePrevious}, store.Stages(testSecretID, "t2"))
}
