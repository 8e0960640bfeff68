// Package sweep runs the periodic maintenance jobs: registry cleanup,
// presence reconciliation, activity flushes, session inactivity checks and
// metric snapshots.
//
// A job never overlaps itself. A tick that arrives while the previous run is
// still going is skipped and counted.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "pulse/pkg/logx"
)

const maxStartupSpread = 5 * time.Second

var ErrDuplicateJob = errors.New("sweep: duplicate job")

type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration // 0 means Every
	Run     func(ctx context.Context) error
}

type Stats struct {
	Name     string        `json:"name"`
	Every    time.Duration `json:"every"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	Skipped  uint64        `json:"skipped"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_err,omitempty"`
}

type job struct {
	Job
	entry   cron.EntryID
	running atomic.Bool

	mu       sync.Mutex
	runs     uint64
	failures uint64
	skipped  uint64
	lastRun  time.Time
	lastErr  string
}

type Scheduler struct {
	log logx.Logger
	c   *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	started bool
}

func New(log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		log:  log,
		c:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs: map[string]*job{},
		ctx:  context.Background(),
	}
}

// Add registers j. Jobs may be added before or after Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("sweep: job needs a name and a func")
	}
	if j.Every <= 0 {
		return fmt.Errorf("sweep: job %q: interval must be positive", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
	}
	jb := &job{Job: j}
	sched := spreadSchedule(j.Every, time.Now(), j.Name)
	jb.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.run(jb) }))
	s.jobs[j.Name] = jb
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	s.c.Start()
	s.log.Info("sweeps started", logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeps stopped")
}

// RunNow runs the named job synchronously. It returns false when the job is
// unknown or already running.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	jb := s.jobs[name]
	s.mu.Unlock()
	if jb == nil {
		return false
	}
	return s.run(jb)
}

func (s *Scheduler) run(jb *job) bool {
	if !jb.running.CompareAndSwap(false, true) {
		jb.mu.Lock()
		jb.skipped++
		jb.mu.Unlock()
		s.log.Debug("sweep skipped, still running", logx.String("job", jb.Name))
		return false
	}
	defer jb.running.Store(false)

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	timeout := jb.Timeout
	if timeout <= 0 {
		timeout = jb.Every
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := invoke(ctx, jb.Run)

	jb.mu.Lock()
	jb.runs++
	jb.lastRun = start
	jb.lastErr = ""
	if err != nil {
		jb.failures++
		jb.lastErr = err.Error()
	}
	jb.mu.Unlock()

	if err != nil {
		s.log.Warn("sweep failed", logx.String("job", jb.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
	} else {
		s.log.Trace("sweep done", logx.String("job", jb.Name), logx.Duration("took", time.Since(start)))
	}
	return true
}

func invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) Snapshot() []Stats {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, jb := range s.jobs {
		jobs = append(jobs, jb)
	}
	s.mu.Unlock()

	out := make([]Stats, 0, len(jobs))
	for _, jb := range jobs {
		jb.mu.Lock()
		out = append(out, Stats{
			Name: jb.Name, Every: jb.Every,
			Runs: jb.runs, Failures: jb.failures, Skipped: jb.skipped,
			LastRun: jb.lastRun, LastErr: jb.lastErr,
		})
		jb.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// startupSpread delays only the first run by a per-job jitter.
type startupSpread struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpread) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func spreadSchedule(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spread)))
	return &startupSpread{base: base, first: now.Add(every + jitter)}
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
