// Package scheduler runs the periodic order sweeps. With a Leader configured
// only the replica holding a job's lease runs that tick.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

type Job struct {
	Name     string
	Interval time.Duration
	// Run returns the number of orders it touched.
	Run func(ctx context.Context) (int, error)
}

// Leader grants a short lease per job name. release is nil when held is
// false.
type Leader interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), held bool, err error)
}

type Scheduler struct {
	jobs     []Job
	leader   Leader
	leaseTTL time.Duration
}

func New(leader Leader, leaseTTL time.Duration, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, leader: leader, leaseTTL: leaseTTL}
}

// Run starts one loop per job and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			log.Warn().Str("job", job.Name).Msg("scheduler: job disabled, no interval")
			continue
		}
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	log.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("scheduler: job started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job", job.Name).Msg("scheduler: job stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce runs a single tick of job. It reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) bool {
	if s.leader != nil {
		ttl := s.leaseTTL
		if ttl <= 0 {
			ttl = job.Interval
		}
		release, held, err := s.leader.Acquire(ctx, job.Name, ttl)
		if err != nil {
			log.Error().Err(err).Str("job", job.Name).Msg("scheduler: lease check failed, skipping tick")
			return false
		}
		if !held {
			log.Debug().Str("job", job.Name).Msg("scheduler: lease held elsewhere")
			return false
		}
		defer release()
	}

	ctx, span := otel.Tracer("scheduler").Start(ctx, "sweep."+job.Name)
	defer span.End()

	start := time.Now()
	n, err := job.Run(ctx)
	span.SetAttributes(attribute.Int("orders", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Ctx(ctx).Err(err).Str("job", job.Name).Int("orders", n).Msg("scheduler: job failed")
		return true
	}
	ev := log.Debug()
	if n > 0 {
		ev = log.Info()
	}
	ev.Ctx(ctx).Str("job", job.Name).Int("orders", n).Dur("took", time.Since(start)).Msg("scheduler: job finished")
	return true
}
