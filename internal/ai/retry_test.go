package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqwatch/sqwatch/internal/types"
)

func newTestSupervisor(retry RetryConfig) *Supervisor {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Supervisor{
		model:       ModelDefault,
		simpleModel: ModelSimple,
		retry:       retry,
		log:         log,
	}
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())

	calls := 0
	err := s.retryWithBackoff(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryTransientThenSuccess(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())

	calls := 0
	err := s.retryWithBackoff(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustion(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())

	calls := 0
	err := s.retryWithBackoff(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetryNonRetriableStopsImmediately(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())

	calls := 0
	err := s.retryWithBackoff(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("401 unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialBackoff = time.Minute // force the backoff path to block
	s := newTestSupervisor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.retryWithBackoff(ctx, "test", func(ctx context.Context) error {
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{errors.New("429 too many requests"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("500 internal server error"), true},
		{errors.New("bad gateway"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("400 bad request"), false},
		{errors.New("401 unauthorized"), false},
		{errors.New("invalid model name"), false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriableError(tt.err))
		})
	}
}

func TestAnalyzerKinds(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())

	assert.Equal(t, KindFirstLine, NewFirstLineAnalyzer(s).Kind())
	assert.Equal(t, KindDeepReasoning, NewDeepReasoningAnalyzer(s).Kind())
	assert.Equal(t, KindRemediation, NewRemediationAnalyzer(s).Kind())
}

func TestBuildPromptsIncludeData(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())
	req := &Request{
		Database:    "appdb",
		Template:    "select * from orders where status = ?",
		SampleQuery: "select * from orders where status = ?",
		Stats:       statsFixture(),
		Schema:      "CREATE TABLE orders (...)",
		Plan:        "-> Table scan on orders",
		PriorOutput: "the query scans the whole table",
	}

	first := NewFirstLineAnalyzer(s).buildPrompt(req)
	assert.Contains(t, first, "appdb")
	assert.Contains(t, first, req.Template)
	assert.Contains(t, first, "CREATE TABLE orders")

	deep := NewDeepReasoningAnalyzer(s).buildPrompt(req)
	assert.Contains(t, deep, "Table scan on orders")
	assert.Contains(t, deep, "the query scans the whole table")

	rem := NewRemediationAnalyzer(s).buildPrompt(req)
	assert.Contains(t, rem, "the query scans the whole table")
	assert.Contains(t, rem, "CREATE INDEX")
}

func TestBuildPromptOmitsMissingSections(t *testing.T) {
	s := newTestSupervisor(fastRetryConfig())
	req := &Request{
		Database: "appdb",
		Template: "select 1",
		Stats:    statsFixture(),
	}

	first := NewFirstLineAnalyzer(s).buildPrompt(req)
	assert.NotContains(t, first, "Table schema:")

	deep := NewDeepReasoningAnalyzer(s).buildPrompt(req)
	assert.NotContains(t, deep, "Execution plan:")
}

func statsFixture() types.QueryStats {
	return types.QueryStats{
		ExecCount:       120,
		AvgDurationSecs: 4.2,
		MaxDurationSecs: 9.7,
		AvgLockTimeSecs: 0.05,
		MaxLockTimeSecs: 0.3,
		AvgRowsSent:     12,
		AvgRowsExamined: 48000,
	}
}
