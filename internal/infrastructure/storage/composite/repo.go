package composite

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

type job struct {
	update domain.NormalizedUpdate
	remove string
}

// Repo fans delivered updates out to every mirror from one background
// worker. Submit never blocks the delivery path; when the queue is full the
// update is dropped and counted.
type Repo struct {
	repos   []port.UpdateMirror
	queue   chan job
	timeout time.Duration
	dropped atomic.Int64
}

func New(size int, repos ...port.UpdateMirror) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.UpdateMirror, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	if size <= 0 {
		size = 1024
	}
	return &Repo{repos: out, queue: make(chan job, size), timeout: 5 * time.Second}
}

func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) Dropped() int64 { return r.dropped.Load() }

func (r *Repo) Submit(u domain.NormalizedUpdate) {
	if len(r.repos) == 0 {
		return
	}
	select {
	case r.queue <- job{update: u}:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			log.Warn().Int64("dropped", n).Msg("mirror queue full, dropping updates")
		}
	}
}

func (r *Repo) Remove(name string) {
	if len(r.repos) == 0 {
		return
	}
	select {
	case r.queue <- job{remove: name}:
	default:
		r.dropped.Add(1)
	}
}

// Run drains the queue until ctx is cancelled.
func (r *Repo) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.apply(ctx, j)
		}
	}
}

func (r *Repo) apply(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	for _, repo := range r.repos {
		var err error
		if j.remove != "" {
			err = repo.RemoveSymbol(ctx, j.remove)
		} else {
			err = repo.MirrorUpdate(ctx, j.update)
		}
		if err != nil {
			log.Debug().Err(err).Str("mirror", repo.Name()).Msg("mirror write failed")
		}
	}
}
