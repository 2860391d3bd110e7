package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/metrics"
)

// Output is a provider's raw answer, keyed by the provider's own field names.
type Output struct {
	Fields     map[string]string
	Confidence map[string]float64
}

// Provider extracts fields from one document image.
// Implementations must not retain imageData after returning.
type Provider interface {
	// Name identifies the provider in results, logs and metrics
	Name() string

	Extract(ctx context.Context, imageData []byte, category domain.DocumentCategory) (*Output, error)
}

// Attempt records one provider call made for a request.
type Attempt struct {
	Provider string
	Err      error
	Elapsed  time.Duration
}

// Outcome is the result of walking a category's provider list.
type Outcome struct {
	Provider string
	Output   *Output
	Attempts []Attempt
}

// Succeeded reports whether any provider produced an answer
func (o *Outcome) Succeeded() bool {
	return o.Output != nil
}

// Chain holds the explicit provider ordering for each document category.
// Identity documents have exactly one provider and are never routed to a
// general vision model.
type Chain struct {
	routes  map[domain.DocumentCategory][]Provider
	timeout time.Duration
	log     *logger.Logger
}

// NewChain builds the category routing table. vision is tried in order.
func NewChain(identity Provider, vision []Provider, timeout time.Duration, log *logger.Logger) *Chain {
	routes := map[domain.DocumentCategory][]Provider{
		domain.CategoryFinancialInstrument: append([]Provider(nil), vision...),
	}
	if identity != nil {
		routes[domain.CategoryGovernmentID] = []Provider{identity}
	}

	return &Chain{
		routes:  routes,
		timeout: timeout,
		log:     log.WithComponent("provider_chain"),
	}
}

// Providers returns the ordered provider list for a category
func (c *Chain) Providers(category domain.DocumentCategory) []Provider {
	return append([]Provider(nil), c.routes[category]...)
}

// Extract tries each provider for the category strictly in order, each under
// its own timeout, and stops at the first success.
func (c *Chain) Extract(ctx context.Context, category domain.DocumentCategory, imageData []byte) *Outcome {
	outcome := &Outcome{}

	for _, p := range c.routes[category] {
		if err := ctx.Err(); err != nil {
			outcome.Attempts = append(outcome.Attempts, Attempt{
				Provider: p.Name(),
				Err:      NewProviderError(p.Name(), FailureTimeout, "request cancelled before call", err),
			})
			break
		}

		c.log.Info().
			Str("provider", p.Name()).
			Str("category", string(category)).
			Msg("trying document extraction")

		out, elapsed, err := c.call(ctx, p, category, imageData)
		metrics.RecordProviderCall(p.Name(), string(category), outcomeLabel(err), elapsed)

		outcome.Attempts = append(outcome.Attempts, Attempt{Provider: p.Name(), Err: err, Elapsed: elapsed})
		if err == nil {
			c.log.Info().
				Str("provider", p.Name()).
				Dur("elapsed", elapsed).
				Msg("provider succeeded")
			outcome.Provider = p.Name()
			outcome.Output = out
			return outcome
		}

		c.log.Warn().Err(err).
			Str("provider", p.Name()).
			Str("failure", string(KindOf(err))).
			Msg("provider failed, trying next")
	}

	return outcome
}

func (c *Chain) call(ctx context.Context, p Provider, category domain.DocumentCategory, imageData []byte) (*Output, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.Extract(callCtx, imageData, category)
	elapsed := time.Since(start)

	if err == nil && out == nil {
		err = NewProviderError(p.Name(), FailureBadResponse, "empty response", nil)
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = NewProviderError(p.Name(), FailureTimeout, fmt.Sprintf("no answer within %s", c.timeout), err)
	}
	if err != nil {
		return nil, elapsed, classify(p.Name(), err)
	}
	return out, elapsed, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}
