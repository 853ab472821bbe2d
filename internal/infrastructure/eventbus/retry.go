package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/domain/events"
)

// RetryPolicy controls how a failing handler is retried before dead-lettering
type RetryPolicy struct {
	ImmediateRetries  int
	ImmediateInterval time.Duration
	RedeliveryDelays  []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ImmediateRetries:  configs.DefaultImmediateRetries,
		ImmediateInterval: configs.DefaultImmediateInterval,
		RedeliveryDelays:  append([]time.Duration(nil), configs.DefaultRedeliveryDelays...),
	}
}

func RetryPolicyFromConfig(cfg configs.RetryConfig) RetryPolicy {
	return RetryPolicy{
		ImmediateRetries:  cfg.ImmediateRetries,
		ImmediateInterval: cfg.ImmediateInterval,
		RedeliveryDelays:  append([]time.Duration(nil), cfg.RedeliveryDelays...),
	}
}

// NextRedelivery returns the delay for the given redelivery count, or false once
// every scheduled redelivery was used.
func (p RetryPolicy) NextRedelivery(count int) (time.Duration, bool) {
	if count < 0 || count >= len(p.RedeliveryDelays) {
		return 0, false
	}
	return p.RedeliveryDelays[count], true
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks an error that no retry can fix. The bus skips immediate retries
// and delayed redelivery and sends the message straight to the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, handler EventHandler, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// runWithRetry calls the handler once plus up to ImmediateRetries more times.
// It returns the number of attempts made and the last error.
func runWithRetry(ctx context.Context, policy RetryPolicy, sleep sleepFunc, handler EventHandler, event events.Event) (int, error) {
	attempts := 0
	var err error

	for {
		attempts++
		err = invoke(ctx, handler, event)
		if err == nil || IsPermanent(err) || attempts > policy.ImmediateRetries {
			return attempts, err
		}
		if sleepErr := sleep(ctx, policy.ImmediateInterval); sleepErr != nil {
			return attempts, err
		}
	}
}
