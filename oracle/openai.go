package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SchemaFunc returns the live mainline schema rendered for prompts.
type SchemaFunc func(ctx context.Context) (string, error)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32

	// RequestsPerSecond throttles calls. Zero disables throttling.
	RequestsPerSecond float64

	// MaxRetries bounds retries of transient API failures.
	MaxRetries uint64

	// Branches is how many strategies the planner is asked for.
	Branches int

	// Dialect names the SQL dialect in prompts.
	Dialect string

	Schema SchemaFunc
	Logger *zap.Logger
}

// OpenAI implements every oracle role with chat completions.
type OpenAI struct {
	client  *openai.Client
	cfg     OpenAIConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Branches <= 0 {
		cfg.Branches = 3
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "SQLite"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		limiter: limiter,
		logger:  cfg.Logger,
	}, nil
}

// Classify runs the guardrail and then the router. An out-of-scope
// guardrail verdict short-circuits to OUT_OF_SCOPE.
func (o *OpenAI) Classify(ctx context.Context, question string) (Classification, error) {
	schema, err := o.schema(ctx)
	if err != nil {
		return Classification{}, err
	}

	raw, err := o.complete(ctx, roleGuardrail, fmt.Sprintf(guardrailPrompt, schema), question, true)
	if err != nil {
		return Classification{}, err
	}
	inScope, reason, err := ParseScope(raw)
	if err != nil {
		o.logger.Warn("Guardrail response malformed, treating as in scope", zap.Error(err))
	} else if !inScope {
		return Classification{Intent: OutOfScope, Reason: reason}, nil
	}

	raw, err = o.complete(ctx, roleRouter, fmt.Sprintf(routerPrompt, schema), question, true)
	if err != nil {
		return Classification{}, err
	}
	classification, err := ParseClassification(raw)
	if err != nil {
		o.logger.Warn("Router response malformed, defaulting to READ_ONLY", zap.Error(err))
	}
	return classification, nil
}

func (o *OpenAI) Plan(ctx context.Context, question string, schema string) (Plan, error) {
	raw, err := o.complete(ctx, rolePlanner, fmt.Sprintf(plannerPrompt, o.cfg.Branches, schema), question, true)
	if err != nil {
		return Plan{}, err
	}
	return ParsePlan(raw)
}

func (o *OpenAI) Generate(ctx context.Context, req GenerationRequest) ([]string, error) {
	raw, err := o.complete(ctx, roleGenerator, generatorSystemPrompt(o.cfg.Dialect, req), generatorUserPrompt(req), true)
	if err != nil {
		return nil, err
	}
	return ParseStatements(raw)
}

func (o *OpenAI) Repair(ctx context.Context, statement string, rawError string, schema string) (string, error) {
	raw, err := o.complete(ctx, roleRepair, fmt.Sprintf(repairPrompt, o.cfg.Dialect, schema), repairUserPrompt(statement, rawError), false)
	if err != nil {
		return "", err
	}
	return ParseRepair(raw), nil
}

func (o *OpenAI) Evaluate(ctx context.Context, req EvaluationRequest) (Recommendation, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Recommendation{}, err
	}

	raw, err := o.complete(ctx, roleEvaluator, fmt.Sprintf(evaluatorPrompt, req.PrimaryMetric), string(payload), false)
	if err != nil {
		return Recommendation{}, err
	}
	return ParseRecommendation(raw)
}

func (o *OpenAI) schema(ctx context.Context) (string, error) {
	if o.cfg.Schema == nil {
		return "(schema unavailable)", nil
	}
	return o.cfg.Schema(ctx)
}

// complete sends one chat completion, throttled by the limiter and retried
// on rate limiting and server errors.
func (o *OpenAI) complete(ctx context.Context, role, system, user string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var content string
	attempts := 0
	startTime := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = time.Minute

	err := backoff.Retry(func() error {
		attempts++
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if isRetryable(err) {
				o.logger.Debug("OpenAI call failed, retrying", zap.String("role", role), zap.Int("attempt", attempts), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}

		if len(resp.Choices) == 0 {
			return backoff.Permanent(&MalformedResponseError{Role: role, Err: errors.New("no choices")})
		}
		content = resp.Choices[0].Message.Content
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, o.cfg.MaxRetries), ctx))

	if err != nil {
		return "", fmt.Errorf("OpenAI %s call failed: %w", role, err)
	}

	o.logger.Debug("OpenAI call completed",
		zap.String("role", role),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(startTime)))

	return content, nil
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
