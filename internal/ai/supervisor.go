package ai

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Model constants. The deep-reasoning and remediation stages use the
// high-end model; the first-line pass uses the cost-efficient one.
//
// Environment variable overrides:
// - SQWATCH_MODEL_DEFAULT: override the default model
// - SQWATCH_MODEL_SIMPLE: override the model for the first-line pass
const (
	ModelDefault = "claude-sonnet-4-5-20250929"
	ModelSimple  = "claude-3-5-haiku-20241022"
)

// GetDefaultModel returns the default model, checking SQWATCH_MODEL_DEFAULT first
func GetDefaultModel() string {
	if model := os.Getenv("SQWATCH_MODEL_DEFAULT"); model != "" {
		return model
	}
	return ModelDefault
}

// GetSimpleModel returns the first-line model, checking SQWATCH_MODEL_SIMPLE first
func GetSimpleModel() string {
	if model := os.Getenv("SQWATCH_MODEL_SIMPLE"); model != "" {
		return model
	}
	return ModelSimple
}

// Supervisor owns the Anthropic client shared by all analyzer variants.
// It enforces the concurrency cap, paces API calls, and applies retry
// with exponential backoff.
type Supervisor struct {
	client         *anthropic.Client
	model          string
	simpleModel    string
	retry          RetryConfig
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
	log            *logrus.Logger
}

// Config holds supervisor configuration
type Config struct {
	APIKey      string // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model       string // Model for deep stages (default: GetDefaultModel())
	SimpleModel string // Model for the first-line pass (default: GetSimpleModel())
	Retry       RetryConfig
	Logger      *logrus.Logger
}

// NewSupervisor creates a new analyzer supervisor
func NewSupervisor(cfg *Config) (*Supervisor, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}
	simpleModel := cfg.SimpleModel
	if simpleModel == "" {
		simpleModel = GetSimpleModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var sem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	var limiter *rate.Limiter
	if retry.CallsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(retry.CallsPerMinute)), retry.CallsPerMinute)
	}

	return &Supervisor{
		client:         &client,
		model:          model,
		simpleModel:    simpleModel,
		retry:          retry,
		concurrencySem: sem,
		limiter:        limiter,
		log:            log,
	}, nil
}

// complete sends one prompt to the API and returns the concatenated
// text blocks of the response. Retries transient failures.
func (s *Supervisor) complete(ctx context.Context, operation, model, prompt string) (string, error) {
	start := time.Now()

	var response *anthropic.Message
	err := s.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := s.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 4096,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	s.log.WithFields(logrus.Fields{
		"operation":     operation,
		"model":         model,
		"input_tokens":  response.Usage.InputTokens,
		"output_tokens": response.Usage.OutputTokens,
		"duration":      time.Since(start).Round(time.Millisecond).String(),
	}).Debug("analyzer call complete")

	return text, nil
}
