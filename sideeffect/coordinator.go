package sideeffect

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

// Logger is the narrow logrus seam shared by every package in this
// platform.
type Logger interface {
	WithField(string, interface{}) *logrus.Entry
	WithError(error) *logrus.Entry
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})
}

// Config configures a Coordinator.
type Config struct {
	Logger Logger
	Clock  platformtime.Source
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = logrus.New().WithField("component", "sideeffect")
	}
	if c.Clock == nil {
		c.Clock = platformtime.WallClock
	}
}

// Coordinator implements the five-step External-Side-Effect protocol of
// spec §4.5 over a Store.
type Coordinator struct {
	*Config
	store Store
}

// NewCoordinator builds a Coordinator over store, applying Config defaults.
func NewCoordinator(cfg *Config, store Store) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	return &Coordinator{Config: cfg, store: store}
}

// ExecuteRequest carries the identity, lock ownership, and pacing
// parameters for one Execute call.
type ExecuteRequest struct {
	OperationName        string
	IdempotencyKey       string
	LockedBy             ownertoken.Token
	CorrelationID        string
	OutboxMessageID      string
	PayloadHash          string
	MinimumCheckInterval time.Duration
	AttemptLockDuration  time.Duration
}

// Execute runs the five numbered steps of spec §4.5 against req, calling
// checkFn (optional) and executeFn.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest, checkFn CheckFunc, executeFn ExecuteFunc) (Outcome, error) {
	if req.OperationName == "" || req.IdempotencyKey == "" {
		return Ready, invalidArgument("operationName and idempotencyKey must not be empty")
	}

	// Step 1: load or create.
	rec, err := c.store.LoadOrCreate(ctx, req.OperationName, req.IdempotencyKey, req.CorrelationID, req.OutboxMessageID, req.PayloadHash)
	if err != nil {
		return Ready, err
	}

	// Step 2: terminal short-circuit.
	switch rec.Status {
	case Succeeded:
		return AlreadyCompleted, nil
	case Failed:
		return PermanentFailure, nil
	}

	// Step 3: re-check an in-flight operation whose last probe is stale.
	now := c.Clock.Now()
	if checkFn != nil && rec.AttemptCount > 0 && now.Sub(rec.LastCheckedAt) >= req.MinimumCheckInterval {
		confirmed, retryLater, err := checkFn(ctx, rec)
		if err == nil {
			if recErr := c.store.RecordCheck(ctx, req.OperationName, req.IdempotencyKey, now); recErr != nil {
				return Ready, recErr
			}
			if confirmed {
				if err := c.store.MarkSucceeded(ctx, req.OperationName, req.IdempotencyKey, rec.ExternalRefID, rec.ExternalStatus); err != nil {
					return Ready, err
				}
				return Completed, nil
			}
			if retryLater {
				return RetryScheduled, nil
			}
		}
	}

	// Step 4: transactional compare-and-set into InFlight.
	outcome, rec, err := c.store.TryBeginAttempt(ctx, req.OperationName, req.IdempotencyKey, req.LockedBy, req.AttemptLockDuration)
	if err != nil {
		return Ready, err
	}
	if outcome != Ready {
		return outcome, nil
	}

	// Step 5: invoke the operation itself. Any error is retryable.
	result, err := executeFn(ctx, rec)
	if err != nil {
		if markErr := c.store.MarkPendingRetry(ctx, req.OperationName, req.IdempotencyKey, err.Error()); markErr != nil {
			return Ready, markErr
		}
		return RetryScheduled, nil
	}

	switch result.Outcome {
	case ExecuteSucceeded:
		if err := c.store.MarkSucceeded(ctx, req.OperationName, req.IdempotencyKey, result.ExternalRefID, result.ExternalStatus); err != nil {
			return Ready, err
		}
		return Completed, nil
	case ExecuteFailedPermanent:
		if err := c.store.MarkFailed(ctx, req.OperationName, req.IdempotencyKey, result.LastError); err != nil {
			return Ready, err
		}
		return PermanentFailure, nil
	default: // ExecutePending
		if err := c.store.MarkPendingRetry(ctx, req.OperationName, req.IdempotencyKey, result.LastError); err != nil {
			return Ready, err
		}
		return RetryScheduled, nil
	}
}
