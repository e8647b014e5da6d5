package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the timer tunables. WarningThresholds are remaining-time
// points at which a warning fires; Tick is the cadence of periodic
// remaining-time callbacks (zero disables them).
type Config struct {
	WarningThresholds []time.Duration
	Tick              time.Duration
}

// DefaultConfig returns the shipped warning and tick settings.
func DefaultConfig() Config {
	return Config{
		WarningThresholds: []time.Duration{5 * time.Minute, time.Minute, 30 * time.Second},
		Tick:              30 * time.Second,
	}
}

// Hooks are the callbacks a countdown drives. They are invoked from the
// countdown's own goroutine; OnExpire fires at most once per armed countdown.
type Hooks struct {
	OnWarning func(sessionID string, remaining time.Duration)
	OnTick    func(sessionID string, remaining time.Duration)
	OnExpire  func(sessionID string)
}

// Service runs one countdown goroutine per active session. The expiry
// instant is always recomputed from the deadline and the wall clock, never
// from tick counting, so a lost or delayed tick cannot move expiry.
type Service struct {
	clock clockwork.Clock
	cfg   Config
	hooks Hooks

	mu      sync.Mutex
	running map[string]*countdown
}

type countdown struct {
	stop chan struct{}
}

// New creates a timer service. In production pass clockwork.NewRealClock();
// tests use a FakeClock.
func New(clock clockwork.Clock, cfg Config, hooks Hooks) *Service {
	return &Service{
		clock:   clock,
		cfg:     cfg,
		hooks:   hooks,
		running: make(map[string]*countdown),
	}
}

// Arm starts (or restarts) the countdown for a session with the given
// remaining time. Called on session start and on resume, where remaining is
// the captured remainder of the previous segment.
func (s *Service) Arm(sessionID string, remaining time.Duration) {
	s.mu.Lock()
	if existing, ok := s.running[sessionID]; ok {
		close(existing.stop)
	}
	cd := &countdown{stop: make(chan struct{})}
	s.running[sessionID] = cd
	s.mu.Unlock()

	deadline := s.clock.Now().Add(remaining)

	// Thresholds at or above the remaining time have already passed and are
	// dropped rather than retro-fired.
	thresholds := make([]time.Duration, 0, len(s.cfg.WarningThresholds))
	for _, th := range s.cfg.WarningThresholds {
		if th < remaining {
			thresholds = append(thresholds, th)
		}
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i] > thresholds[j] })

	log.Info().
		Str("session_id", sessionID).
		Dur("remaining", remaining).
		Time("deadline", deadline).
		Msg("countdown armed")

	go s.run(sessionID, deadline, thresholds, cd)
}

// Disarm stops a session's countdown, if any. Called on pause and on any
// terminal transition that did not originate from the timer itself.
func (s *Service) Disarm(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cd, ok := s.running[sessionID]; ok {
		close(cd.stop)
		delete(s.running, sessionID)
		log.Info().Str("session_id", sessionID).Msg("countdown disarmed")
	}
}

// Active reports whether a countdown is currently armed for the session.
func (s *Service) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sessionID]
	return ok
}

// finish removes the countdown if it is still the one registered; a
// concurrent re-arm swaps in a new countdown that must survive.
func (s *Service) finish(sessionID string, cd *countdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.running[sessionID]; ok && current == cd {
		delete(s.running, sessionID)
	}
}

func (s *Service) run(sessionID string, deadline time.Time, warnings []time.Duration, cd *countdown) {
	var t clockwork.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	var tickAt time.Time
	if s.cfg.Tick > 0 {
		tickAt = s.clock.Now().Add(s.cfg.Tick)
	}

	for {
		now := s.clock.Now()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			s.finish(sessionID, cd)
			if s.hooks.OnExpire != nil {
				s.hooks.OnExpire(sessionID)
			}
			return
		}

		for len(warnings) > 0 && remaining <= warnings[0] {
			if s.hooks.OnWarning != nil {
				s.hooks.OnWarning(sessionID, warnings[0])
			}
			warnings = warnings[1:]
		}

		// Sleep until the nearest of expiry, the next warning threshold and
		// the next periodic tick.
		wake := deadline
		if len(warnings) > 0 {
			if at := deadline.Add(-warnings[0]); at.Before(wake) {
				wake = at
			}
		}
		if s.cfg.Tick > 0 && tickAt.Before(wake) {
			wake = tickAt
		}

		if t == nil {
			t = s.clock.NewTimer(wake.Sub(now))
		} else {
			t.Reset(wake.Sub(now))
		}

		select {
		case <-t.Chan():
			if s.cfg.Tick > 0 {
				now = s.clock.Now()
				if !now.Before(tickAt) {
					if rem := deadline.Sub(now); rem > 0 && s.hooks.OnTick != nil {
						s.hooks.OnTick(sessionID, rem)
					}
					tickAt = tickAt.Add(s.cfg.Tick)
				}
			}
		case <-cd.stop:
			return
		}
	}
}
