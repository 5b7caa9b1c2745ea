package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efficient-solutions/go-sqlite-efs/coordination"
)

const (
	DefaultTimeout           = 3 * time.Second
	DefaultMaxAttempts       = 10
	DefaultInitialBackoff    = 50 * time.Millisecond
	DefaultMaxBackoff        = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.5

	releaseTimeout = 5 * time.Second
)

type Config struct {
	//Key names the single serialized resource in the coordination store.
	//One record exists per protected database file.
	Key string
	//Expiration is the server-enforced lifetime of an acquired lock record.
	//It must comfortably exceed the maximum plausible duration of the
	//protected operation plus a clock-skew margin, otherwise a legitimate
	//holder can be pre-empted mid-operation.
	Expiration time.Duration
	//Timeout bounds a single acquisition call. It should be configured
	//strictly shorter than the caller's own execution deadline so failure is
	//reported rather than the caller being killed mid-acquisition. Values
	//under a second fall back to the default.
	Timeout time.Duration
	//MaxAttempts caps the number of conditional-write attempts per
	//acquisition call.
	MaxAttempts int
	//Backoff between contended attempts: bounded exponential with jitter.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	//BackoffJitter is the randomization factor applied to each delay,
	//between 0 (none) and 1.
	BackoffJitter float64
	Logger        *zap.Logger
}

/*
Coordinator acquires and releases the exclusive write lock for one protected
resource through a coordination store. It holds no cross-acquisition state;
every Acquire call generates a fresh owner token.
*/
type Coordinator struct {
	store  coordination.Store
	conf   Config
	logger *zap.Logger
}

func NewCoordinator(store coordination.Store, conf Config) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("lock: a coordination store is required")
	}
	if conf.Key == "" {
		return nil, errors.New("lock: config requires a key")
	}
	if conf.Expiration <= 0 {
		return nil, errors.New("lock: config requires a positive expiration")
	}

	if conf.Timeout < time.Second {
		conf.Timeout = DefaultTimeout
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = DefaultMaxAttempts
	}
	if conf.InitialBackoff <= 0 {
		conf.InitialBackoff = DefaultInitialBackoff
	}
	if conf.MaxBackoff <= 0 {
		conf.MaxBackoff = DefaultMaxBackoff
	}
	if conf.BackoffMultiplier <= 0 {
		conf.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if conf.BackoffJitter <= 0 || conf.BackoffJitter > 1 {
		conf.BackoffJitter = DefaultBackoffJitter
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}

	return &Coordinator{
		store:  store,
		conf:   conf,
		logger: conf.Logger,
	}, nil
}

func (c *Coordinator) newBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.conf.InitialBackoff
	policy.MaxInterval = c.conf.MaxBackoff
	policy.Multiplier = c.conf.BackoffMultiplier
	policy.RandomizationFactor = c.conf.BackoffJitter
	//The acquisition deadline is enforced by the coordinator, not the policy
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

/*
Acquire attempts to take the exclusive lock, retrying contended conditional
writes under backoff until it succeeds, the attempt budget is spent or the
timeout elapses, whichever comes first. A mutating operation must never run
without the returned handle.
*/
func (c *Coordinator) Acquire(ctx context.Context) (*Handle, error) {
	started := time.Now()
	deadline := started.Add(c.conf.Timeout)
	policy := c.newBackoff()

	attempts := 0
	for attempts < c.conf.MaxAttempts && time.Now().Before(deadline) {
		token := uuid.NewString()
		acquired, err := c.store.TryCreate(ctx, c.conf.Key, token, c.conf.Expiration)
		if err != nil {
			//Store failures are surfaced immediately, never masked as contention
			return nil, err
		}
		attempts++

		if acquired {
			c.logger.Info("Lock acquired",
				zap.String("key", c.conf.Key),
				zap.String("token", token),
				zap.Int("attempts", attempts),
			)
			return &Handle{coordinator: c, token: token}, nil
		}

		c.logger.Warn("Lock contended",
			zap.String("key", c.conf.Key),
			zap.Int("attempt", attempts),
		)

		if attempts >= c.conf.MaxAttempts {
			break
		}

		wait := policy.NextBackOff()
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	elapsed := time.Since(started)
	c.logger.Error("Lock acquisition failed",
		zap.String("key", c.conf.Key),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", elapsed),
	)
	return nil, &ContendedError{Key: c.conf.Key, Attempts: attempts, Elapsed: elapsed}
}

/*
Handle is one successful acquisition of the lock, bound to the owner token
generated for that attempt.
*/
type Handle struct {
	coordinator *Coordinator
	token       string
	once        sync.Once
}

func (h *Handle) Token() string {
	return h.token
}

/*
Release gives the lock back. It is idempotent and never returns an error:
a release that finds ownership already transferred means cleanup happened
naturally through expiry, and a release that fails outright is recovered by
the record expiring on its own. Release is attempted even if the given
context is already cancelled.
*/
func (h *Handle) Release(ctx context.Context) {
	h.once.Do(func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		released, err := h.coordinator.store.ReleaseIfOwned(releaseCtx, h.coordinator.conf.Key, h.token)
		if err != nil {
			h.coordinator.logger.Error("Lock release failed, record will expire on its own",
				zap.String("key", h.coordinator.conf.Key),
				zap.String("token", h.token),
				zap.Error(err),
			)
			return
		}

		if !released {
			h.coordinator.logger.Info("Lock ownership already changed, nothing to release",
				zap.String("key", h.coordinator.conf.Key),
				zap.String("token", h.token),
			)
			return
		}

		h.coordinator.logger.Info("Lock released",
			zap.String("key", h.coordinator.conf.Key),
			zap.String("token", h.token),
		)
	})
}
