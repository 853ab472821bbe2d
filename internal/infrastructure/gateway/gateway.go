package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDeclined is a final refusal by the card issuer; retrying cannot succeed
	ErrDeclined = errors.New("payment declined")
	// ErrGatewayUnavailable is a transient failure; the request may be retried
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

const (
	StatusCaptured = "CAPTURED"
	StatusRefunded = "REFUNDED"
)

type CaptureRequest struct {
	IdempotencyKey string
	BookingID      string
	CustomerID     string
	Amount         float64
	Currency       string
}

type RefundRequest struct {
	IdempotencyKey string
	Reference      string
	Amount         float64
}

type Response struct {
	Reference string
	Status    string
}

type Gateway interface {
	Capture(ctx context.Context, req CaptureRequest) (*Response, error)
	Refund(ctx context.Context, req RefundRequest) (*Response, error)
}

// SimulatedGateway answers deterministically from the request:
// customers prefixed "declined-" and amounts above the decline limit are
// declined, customers prefixed "unavailable-" hit an outage, and timeoutRate
// of keys (by hash) hang until the caller's deadline.
type SimulatedGateway struct {
	latency      time.Duration
	declineAbove float64
	timeoutRate  float64

	mu       sync.Mutex
	captures map[string]*Response
	refunds  map[string]*Response
}

type Option func(*SimulatedGateway)

func WithLatency(d time.Duration) Option {
	return func(g *SimulatedGateway) { g.latency = d }
}

func WithDeclineAbove(amount float64) Option {
	return func(g *SimulatedGateway) { g.declineAbove = amount }
}

func WithTimeoutRate(rate float64) Option {
	return func(g *SimulatedGateway) { g.timeoutRate = rate }
}

func NewSimulatedGateway(opts ...Option) *SimulatedGateway {
	g := &SimulatedGateway{
		latency:      100 * time.Millisecond,
		declineAbove: 10000,
		captures:     make(map[string]*Response),
		refunds:      make(map[string]*Response),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *SimulatedGateway) Capture(ctx context.Context, req CaptureRequest) (*Response, error) {
	if err := g.wait(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(req.CustomerID, "unavailable-"):
		return nil, ErrGatewayUnavailable
	case strings.HasPrefix(req.CustomerID, "declined-"):
		return nil, fmt.Errorf("card declined for customer %s: %w", req.CustomerID, ErrDeclined)
	case g.declineAbove > 0 && req.Amount > g.declineAbove:
		return nil, fmt.Errorf("amount %.2f %s over limit: %w", req.Amount, req.Currency, ErrDeclined)
	case req.Amount <= 0:
		return nil, fmt.Errorf("invalid amount %.2f: %w", req.Amount, ErrDeclined)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if resp, ok := g.captures[req.IdempotencyKey]; ok {
		return resp, nil
	}
	resp := &Response{Reference: "gw_" + uuid.New().String(), Status: StatusCaptured}
	g.captures[req.IdempotencyKey] = resp
	return resp, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, req RefundRequest) (*Response, error) {
	if err := g.wait(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.Reference == "" {
		return nil, fmt.Errorf("refund without capture reference: %w", ErrDeclined)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if resp, ok := g.refunds[req.IdempotencyKey]; ok {
		return resp, nil
	}
	resp := &Response{Reference: req.Reference, Status: StatusRefunded}
	g.refunds[req.IdempotencyKey] = resp
	return resp, nil
}

func (g *SimulatedGateway) wait(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if g.timeoutRate > 0 && hashPercent(key) < int(g.timeoutRate*100) {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(g.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hashPercent(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % 100)
}
