// Package gateway forwards queries to an inference service.
//
// Every backend answers with plain text. Failures are rendered as a
// human readable error string so the relay can send them back to the
// client like any other answer.
package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/yoonsang0910/Memento-server/config"
	"github.com/yoonsang0910/Memento-server/metrics"
)

const (
	systemPrompt = "You are an assistant that answer concisely on the questions."
	maxTokens    = 25
)

// Gateway answers a text query with an optional base64 encoded image.
// Implementations never return an error, see ErrorText.
type Gateway interface {
	Answer(ctx context.Context, query, imageB64 string) string
}

// Func adapts a plain function to the Gateway interface
type Func func(ctx context.Context, query, imageB64 string) string

// Answer calls f
func (f Func) Answer(ctx context.Context, query, imageB64 string) string {
	return f(ctx, query, imageB64)
}

// ErrorText renders a failure as response text
func ErrorText(err error) string {
	return fmt.Sprintf("⚠️ Error: %v", err)
}

// Static always answers with the same text
type Static struct {
	Reply string
}

// Answer returns the fixed reply
func (s Static) Answer(_ context.Context, _, _ string) string {
	return s.Reply
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to next. When the bound expires the caller
// gets an error text immediately; next keeps its cancelled context and its
// late answer is discarded.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	return &timeoutGateway{next: next, timeout: timeout}
}

func (g *timeoutGateway) Answer(ctx context.Context, query, imageB64 string) string {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		done <- g.next.Answer(ctx, query, imageB64)
	}()

	select {
	case answer := <-done:
		return answer
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			log.Printf("⏱️ Inference timed out after %s", g.timeout)
			return ErrorText(fmt.Errorf("inference timed out after %s", g.timeout))
		}
		return ErrorText(ctx.Err())
	}
}

type instrumentedGateway struct {
	next    Gateway
	metrics *metrics.Metrics
}

// Instrumented records the latency of each call
func Instrumented(next Gateway, m *metrics.Metrics) Gateway {
	return &instrumentedGateway{next: next, metrics: m}
}

func (g *instrumentedGateway) Answer(ctx context.Context, query, imageB64 string) string {
	start := time.Now()
	answer := g.next.Answer(ctx, query, imageB64)
	g.metrics.ObserveGateway(time.Since(start))
	return answer
}

// New builds the configured backend wrapped with the timeout and metrics decorators
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Gateway, error) {
	var backend Gateway

	switch cfg.Provider {
	case config.ProviderGemini:
		g, err := NewGemini(ctx, GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
		if err != nil {
			return nil, err
		}
		backend = g
	case config.ProviderOpenAI:
		backend = NewOpenAI(OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
	case config.ProviderStatic, "":
		backend = Static{Reply: cfg.StaticResponse}
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}

	log.Printf("🧠 Inference provider: %s", providerName(cfg.Provider))
	return Instrumented(WithTimeout(backend, cfg.GatewayTimeout), m), nil
}

func providerName(p string) string {
	if p == "" {
		return config.ProviderStatic
	}
	return p
}
