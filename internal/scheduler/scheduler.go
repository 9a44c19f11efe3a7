package scheduler

import (
	"errors"
	"kinewatchd/internal/logger"
	"math"
	"sync"
	"time"
)

// State is the lifecycle state of a refresh scheduler.
type State int

const (
	Idle State = iota
	Extracting
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Extracting:
		return "extracting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrStopped is returned by Trigger once the scheduler has been stopped.
var ErrStopped = errors.New("scheduler stopped")

// Job is one extraction attempt. A nil error moves the scheduler to Ready.
type Job func() error

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// Backoff describes the retry delay: Base * Factor^attempt, capped at Max.
type Backoff struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Max    time.Duration `yaml:"max"`
}

// DefaultBackoff retries after 1s, 1.5s, 2.25s, ... up to 10s.
var DefaultBackoff = Backoff{Base: time.Second, Factor: 1.5, Max: 10 * time.Second}

// Delay returns the wait before the retry that follows the given number of failed retries.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) valid() bool {
	return b.Base > 0 && b.Max >= b.Base && b.Factor >= 1
}

// Scheduler re-runs an extraction job until it succeeds, backing off between failures.
// At most one retry is pending at any time, and Reset discards both the pending retry
// and the outcome of any run still in flight.
type Scheduler struct {
	mutex     sync.Mutex
	job       Job
	backoff   Backoff
	afterFunc AfterFunc
	logger    logger.Logger
	name      string

	state   State
	attempt int
	timer   Timer
	// gen is bumped by every Trigger and Reset; callbacks from older generations are ignored.
	gen     uint64
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBackoff overrides the retry delays. Invalid values are ignored.
func WithBackoff(b Backoff) Option {
	return func(s *Scheduler) {
		if b.valid() {
			s.backoff = b
		}
	}
}

// WithAfterFunc replaces the timer implementation, mainly for tests.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Scheduler) {
		s.afterFunc = f
	}
}

// New creates a scheduler in the Idle state.
func New(name string, log logger.Logger, job Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		job:     job,
		backoff: DefaultBackoff,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger: log,
		name:   name,
		state:  Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger cancels any pending retry and runs the job now, on the caller's goroutine.
// On failure a retry is scheduled. The job's error is returned.
func (s *Scheduler) Trigger() error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return ErrStopped
	}
	s.cancelLocked()
	s.gen++
	gen := s.gen
	s.state = Extracting
	s.mutex.Unlock()

	err := s.job()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if gen != s.gen || s.stopped {
		// Superseded by a later Trigger, a Reset or Stop.
		return err
	}
	if err == nil {
		s.state = Ready
		s.attempt = 0
		return nil
	}

	s.state = Failed
	delay := s.backoff.Delay(s.attempt)
	s.logger.Debugf("Extraction for %s failed (attempt %d), retrying in %v: %v", s.name, s.attempt, delay, err)
	s.timer = s.afterFunc(delay, func() { s.fire(gen) })
	return err
}

func (s *Scheduler) fire(gen uint64) {
	s.mutex.Lock()
	if gen != s.gen || s.stopped {
		s.mutex.Unlock()
		return
	}
	s.timer = nil
	s.attempt++
	s.mutex.Unlock()

	s.Trigger()
}

// Reset cancels any pending retry, forgets the attempt count and returns to Idle.
func (s *Scheduler) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancelLocked()
	s.gen++
	s.attempt = 0
	s.state = Idle
}

// Stop cancels any pending retry and makes every later Trigger a no-op returning ErrStopped.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancelLocked()
	s.gen++
	s.attempt = 0
	s.state = Idle
	s.stopped = true
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Attempt returns the number of consecutive retries since the last success or reset.
func (s *Scheduler) Attempt() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.attempt
}

// Pending reports whether a retry is scheduled.
func (s *Scheduler) Pending() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.timer != nil
}
