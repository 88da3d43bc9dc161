package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/log"
)

// RetryPolicy bounds the invoker's backoff loop
type RetryPolicy struct {
	// InitialInterval is the first wait between attempts
	InitialInterval time.Duration

	// MaxElapsed caps the total time spent retrying one call
	MaxElapsed time.Duration

	// PerAttempt caps a single attempt; zero means no per-attempt cap
	PerAttempt time.Duration
}

// DefaultRetryPolicy suits interactive runs: quick first retry, give up
// within a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxElapsed:      time.Minute,
		PerAttempt:      30 * time.Second,
	}
}

// Invoker runs capability calls under exponential backoff. Transient
// failures retry; coded errors the caller can route on pass through
// unchanged and stop the loop.
type Invoker struct {
	policy RetryPolicy
	logger *log.Logger
}

func NewInvoker(policy RetryPolicy, logger *log.Logger) *Invoker {
	return &Invoker{policy: policy, logger: logger}
}

// permanent reports errors that retrying cannot fix
func permanent(err error) bool {
	for _, code := range []errors.ErrorCode{
		errors.ErrCodeApprovalRejected,
		errors.ErrCodeQuotaExceeded,
		errors.ErrCodeStateCorrupt,
		errors.ErrCodeConfigInvalid,
		errors.ErrCodeConfigPolicyMissing,
		errors.ErrCodeFileNotFound,
	} {
		if errors.HasCode(err, code) {
			return true
		}
	}
	return false
}

// Do invokes fn with backoff. On exhaustion the last error comes back
// wrapped as a TOOL-001 invocation failure so callers can surface it in
// state rather than abort the run.
func (iv *Invoker) Do(ctx context.Context, capability Capability, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	if iv.policy.InitialInterval > 0 {
		bo.InitialInterval = iv.policy.InitialInterval
	}
	bo.MaxElapsedTime = iv.policy.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		callCtx := ctx
		if iv.policy.PerAttempt > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, iv.policy.PerAttempt)
			defer cancel()
		}
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		iv.logger.Warn("capability call failed, retrying",
			"capability", string(capability), "attempt", attempt, "error", err.Error())
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	if permanent(err) {
		return err
	}
	return errors.NewToolInvocationError(string(capability), err)
}
