package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"go.uber.org/zap"
)

var ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY (or pass --api-key)")

// Options configures the OpenAI-backed analysis gateway.
type Options struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int64

	// Flex requests the flex service tier (cheaper, slower).
	Flex bool

	// Retries is the number of extra attempts after a rate-limit or server error. 0 disables retrying.
	Retries int

	// RateLimitWaits and ServerErrorWaits replace the DefaultRetryPolicy waits when non-empty.
	RateLimitWaits   []time.Duration
	ServerErrorWaits []time.Duration

	Logger *zap.Logger
}

// OpenAIGateway implements analysis.Gateway with the Responses API.
type OpenAIGateway struct {
	client *openai.Client
	opts   Options
	policy RetryPolicy
	log    *zap.Logger
}

func NewOpenAIGateway(opts Options) (*OpenAIGateway, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Model == "" {
		return nil, errors.New("NewOpenAIGateway: model is empty")
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 4000
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// Retrying is owned by CallWithRetry so the SDK's own retries are disabled.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)

	policy := DefaultRetryPolicy()
	policy.MaxAttempts = opts.Retries + 1
	if len(opts.RateLimitWaits) > 0 {
		policy.RateLimitWaits = opts.RateLimitWaits
	}
	if len(opts.ServerErrorWaits) > 0 {
		policy.ServerErrorWaits = opts.ServerErrorWaits
	}
	return &OpenAIGateway{client: &client, opts: opts, policy: policy, log: log}, nil
}

func (g *OpenAIGateway) Analyze(ctx context.Context, req analysis.Request) (string, error) {
	params := g.buildParams(req)
	policy := g.policy
	policy.AttemptTimeout = req.AttemptTimeout
	resp, err := CallWithRetry(ctx, g.client.Responses.New, params, policy, g.log.With(zap.String("conversation_id", req.ConversationID)))
	if err != nil {
		return "", err
	}
	return resp.OutputText(), nil
}

// CallBudget is the longest a call can take when every attempt runs for attemptTimeout.
func (g *OpenAIGateway) CallBudget(attemptTimeout time.Duration) time.Duration {
	return g.policy.Budget(attemptTimeout)
}

func (g *OpenAIGateway) buildParams(req analysis.Request) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model:           g.opts.Model,
		MaxOutputTokens: openai.Int(g.opts.MaxOutputTokens),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if g.opts.Flex {
		params.ServiceTier = responses.ResponseNewParamsServiceTierFlex
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "Judgment"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        name,
					Schema:      req.Schema,
					Strict:      openai.Bool(true),
					Description: openai.String(name + " JSON"),
					Type:        "json_schema",
				},
			},
		}
	}
	return params
}

// RetryPolicy bounds CallWithRetry.
type RetryPolicy struct {
	MaxAttempts      int
	RateLimitWaits   []time.Duration
	ServerErrorWaits []time.Duration

	// AttemptTimeout bounds each attempt. 0 leaves attempts bounded only by the caller's ctx.
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      1,
		RateLimitWaits:   []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second},
		ServerErrorWaits: []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second},
	}
}

func (p RetryPolicy) wait(waits []time.Duration, attempt int) time.Duration {
	if len(waits) == 0 {
		return 0
	}
	if attempt >= len(waits) {
		return waits[len(waits)-1]
	}
	return waits[attempt]
}

// Budget sums attemptTimeout over every attempt and the longest wait before each retry.
func (p RetryPolicy) Budget(attemptTimeout time.Duration) time.Duration {
	attempts := max(p.MaxAttempts, 1)
	total := time.Duration(attempts) * attemptTimeout
	for i := 0; i < attempts-1; i++ {
		total += max(p.wait(p.RateLimitWaits, i), p.wait(p.ServerErrorWaits, i))
	}
	return total
}

// ResponsesCaller is the shape of client.Responses.New.
type ResponsesCaller func(ctx context.Context, params responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)

// CallWithRetry calls the Responses API, waiting and retrying on rate-limit and server errors
// up to policy.MaxAttempts attempts. An attempt that outlives policy.AttemptTimeout is retried like
// a server error. Waits end early when ctx is done.
func CallWithRetry(ctx context.Context, call ResponsesCaller, params responses.ResponseNewParams, policy RetryPolicy, log *zap.Logger) (*responses.Response, error) {
	if log == nil {
		log = zap.NewNop()
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := callAttempt(ctx, call, params, policy.AttemptTimeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
		case isRateLimitError(err):
			wait = policy.wait(policy.RateLimitWaits, attempt)
		case isServerError(err) || errors.Is(err, context.DeadlineExceeded):
			wait = policy.wait(policy.ServerErrorWaits, attempt)
		default:
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		log.Warn("openai: retrying", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if maxAttempts == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed after %d attempts due to OpenAI API issues: %w", maxAttempts, lastErr)
}

func callAttempt(ctx context.Context, call ResponsesCaller, params responses.ResponseNewParams, timeout time.Duration) (*responses.Response, error) {
	if timeout <= 0 {
		return call(ctx, params)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(ctx, params)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}

func GenerateSchema[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	schemaObj, err := schemaToMap(schema)
	if err != nil {
		panic(err)
	}
	ensureOpenAICompliance(schemaObj)
	return schemaObj
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	// The top-level $schema/$id keys are not accepted in strict mode.
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

func ensureOpenAICompliance(schema map[string]interface{}) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
			var requiredFields []string
			for propName := range properties {
				requiredFields = append(requiredFields, propName)
			}
			if len(requiredFields) > 0 {
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]interface{}); ok {
				ensureOpenAICompliance(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]interface{}); ok {
		ensureOpenAICompliance(items)
	}

	if additionalProps, ok := schema[additionalPropertiesKey].(map[string]interface{}); ok {
		ensureOpenAICompliance(additionalProps)
	}
}
