// Package startup sequences the orchestrator's long-lived dependencies
// (in orchestratord: event-bus consumer-group creation, the durable-event
// consumer loop, the reconciler loop, the HTTP server) with a dependency
// graph and a fibonacci
// backoff between whole-graph retries, and tears them down in reverse order.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

type Dependency interface {
	Name() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type status int

const (
	statusPending status = iota
	statusStarted
	statusFailed
)

type Sequencer struct {
	deps        map[string]Dependency
	statuses    map[string]status
	order       []string
	logger      ectologger.Logger
	maxAttempts int
}

func New(logger ectologger.Logger, maxAttempts int) *Sequencer {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Sequencer{
		deps:        make(map[string]Dependency),
		statuses:    make(map[string]status),
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

func (s *Sequencer) Add(dep Dependency) {
	s.deps[dep.Name()] = dep
	s.order = append(s.order, dep.Name())
}

func (s *Sequencer) Start(ctx context.Context) error {
	var lastErr error
	a, b := 1, 1

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("starting dependency graph, attempt %d/%d", attempt, s.maxAttempts)

		ok := true
		for _, name := range s.order {
			if err := s.startOne(ctx, s.deps[name]); err != nil {
				lastErr = err
				ok = false
				break
			}
		}
		if ok {
			return nil
		}
		if attempt == s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", attempt, lastErr)
		}

		wait := time.Duration(a) * time.Second
		s.logger.Infof("retrying startup in %s", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}
	return nil
}

func (s *Sequencer) startOne(ctx context.Context, dep Dependency) error {
	if s.statuses[dep.Name()] == statusStarted {
		return nil
	}
	for _, parent := range dep.DependsOn() {
		if s.statuses[parent] != statusStarted {
			if err := s.startOne(ctx, s.deps[parent]); err != nil {
				return err
			}
		}
	}

	s.logger.WithField("dependency", dep.Name()).Infof("starting %s", dep.Name())
	if err := dep.Start(ctx); err != nil {
		s.statuses[dep.Name()] = statusFailed
		return fmt.Errorf("start %s: %w", dep.Name(), err)
	}
	s.statuses[dep.Name()] = statusStarted
	return nil
}

// Stop tears dependencies down in reverse of the order they were added.
func (s *Sequencer) Stop(ctx context.Context) error {
	var lastErr error
	for i := len(s.order) - 1; i >= 0; i-- {
		dep := s.deps[s.order[i]]
		if s.statuses[dep.Name()] != statusStarted {
			continue
		}
		s.logger.WithField("dependency", dep.Name()).Infof("stopping %s", dep.Name())
		if err := dep.Stop(ctx); err != nil {
			s.logger.WithError(err).Errorf("failed to stop %s", dep.Name())
			lastErr = err
			continue
		}
		s.statuses[dep.Name()] = statusPending
	}
	return lastErr
}
