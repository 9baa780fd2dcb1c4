package zkverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// ErrTimeout is reported when a verification exceeds the per-job timeout.
var ErrTimeout = errors.New("zk verification timed out")

// PoolConfig bounds a Pool. Workers defaults to 4 and Timeout to 30s.
type PoolConfig struct {
	Workers int
	Timeout time.Duration
}

// Pool runs verifications with at most Workers in flight across all callers.
type Pool struct {
	registry *Registry
	sem      *semaphore.Weighted
	workers  int
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPool creates a Pool over registry.
func NewPool(registry *Registry, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Pool{
		registry: registry,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		workers:  cfg.Workers,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Verify checks one job. Malformed jobs and unsupported protocols are
// returned as errors; verifier failures and timeouts are reported in the
// Result.
func (p *Pool) Verify(ctx context.Context, job Job) (*Result, error) {
	if err := validate.Struct(job); err != nil {
		return nil, err
	}
	v, err := p.registry.Lookup(job.Protocol)
	if err != nil {
		metrics.RecordZKVerification(job.Protocol, "unsupported")
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for zk worker: %w", err)
	}
	defer p.sem.Release(1)
	res := p.run(ctx, v, job)
	return &res, nil
}

// VerifyBatch checks jobs concurrently and returns results in input order.
// A job that cannot be checked does not stop the others.
func (p *Pool) VerifyBatch(ctx context.Context, jobs []Job) ([]Result, error) {
	out := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := p.Verify(gctx, job)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				out[i] = Result{JobID: job.JobID, Protocol: job.Protocol, Error: err.Error()}
				return nil
			}
			out[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pool) run(ctx context.Context, v Verifier, job Job) Result {
	metrics.ZKStarted()
	defer metrics.ZKFinished()

	jctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := v.Verify(jctx, job.VerificationKey, job.PublicSignals, job.Proof)
		done <- outcome{ok, err}
	}()

	res := Result{JobID: job.JobID, Protocol: job.Protocol}
	var label string
	select {
	case o := <-done:
		switch {
		case o.err != nil:
			res.Error = o.err.Error()
			label = "error"
		case o.ok:
			res.Valid = true
			label = "valid"
		default:
			label = "invalid"
		}
	case <-jctx.Done():
		res.Error = ErrTimeout.Error()
		label = "timeout"
	}
	res.DurationMs = time.Since(start).Milliseconds()
	metrics.RecordZKVerification(job.Protocol, label)

	log := p.logger.Info
	if res.Error != "" {
		log = p.logger.Warn
	}
	log("zk verification finished",
		zap.String("job_id", job.JobID),
		zap.String("protocol", job.Protocol),
		zap.String("result", label),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res
}
