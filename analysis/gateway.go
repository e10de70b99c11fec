package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultGatewayTimeout = 60 * time.Second

// ErrEmptyResponse is returned when the analysis service answers with no text.
var ErrEmptyResponse = errors.New("analysis service returned an empty response")

// Request is one call to the analysis service.
type Request struct {
	ConversationID string
	Instructions   string
	Input          string
	Temperature    *float64

	// SchemaName and Schema, when set, ask for a JSON response constrained to Schema.
	SchemaName string
	Schema     map[string]any

	// AttemptTimeout bounds each attempt of a RetryingGateway. callGateway sets it.
	AttemptTimeout time.Duration
}

// Gateway is the external analysis service.
type Gateway interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// RetryingGateway is a Gateway that retries internally. For these gateways the per-call timeout
// bounds each attempt and CallBudget bounds the whole call, waits included.
type RetryingGateway interface {
	Gateway
	CallBudget(attemptTimeout time.Duration) time.Duration
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (string, error)

func (f GatewayFunc) Analyze(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// callGateway bounds one call with timeout, or with the retry budget of a RetryingGateway, and
// converts panics and blank answers into errors.
// The deadline holds even for a gateway that ignores ctx; its late answer is discarded.
func callGateway(ctx context.Context, gw Gateway, req Request, timeout time.Duration) (string, error) {
	if gw == nil {
		return "", errors.New("analysis gateway is nil")
	}
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	budget := timeout
	if rg, ok := gw.(RetryingGateway); ok {
		req.AttemptTimeout = timeout
		budget = max(budget, rg.CallBudget(timeout))
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type answer struct {
		text string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: fmt.Errorf("analysis gateway panic: %v", r)}
			}
		}()
		text, err := gw.Analyze(ctx, req)
		done <- answer{text: text, err: err}
	}()

	var a answer
	select {
	case a = <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("analysis gateway: %w", ctx.Err())
	}
	if a.err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(a.err, ctxErr) {
			return "", fmt.Errorf("%w (%v)", ctxErr, a.err)
		}
		return "", a.err
	}
	if strings.TrimSpace(a.text) == "" {
		return "", ErrEmptyResponse
	}
	return a.text, nil
}
