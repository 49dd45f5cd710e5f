package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectologger"

	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/consumer"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/reconciler"
)

// eventBusDependency ensures the durable event stream's consumer group
// exists before anything tries to read from it.
type eventBusDependency struct {
	bus *eventbus.Bus
}

func (d *eventBusDependency) Name() string       { return "eventbus" }
func (d *eventBusDependency) DependsOn() []string { return nil }
func (d *eventBusDependency) Start(ctx context.Context) error {
	return d.bus.EnsureGroup(ctx)
}
func (d *eventBusDependency) Stop(context.Context) error { return nil }

// consumerDependency runs the durable-event-stream consumer loop for the
// lifetime of the process; it stops when the Sequencer's context is
// cancelled (spec §4.3).
type consumerDependency struct {
	consumer *consumer.Consumer
	logger   ectologger.Logger
}

func (d *consumerDependency) Name() string        { return "consumer" }
func (d *consumerDependency) DependsOn() []string { return []string{"eventbus"} }
func (d *consumerDependency) Start(ctx context.Context) error {
	go func() {
		if err := d.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.WithError(err).Error("durable event consumer exited")
		}
	}()
	return nil
}
func (d *consumerDependency) Stop(context.Context) error { return nil }

// reconcilerDependency runs the periodic reconciliation sweep for the
// lifetime of the process (spec §4.7).
type reconcilerDependency struct {
	reconciler *reconciler.Reconciler
	logger     ectologger.Logger
}

func (d *reconcilerDependency) Name() string        { return "reconciler" }
func (d *reconcilerDependency) DependsOn() []string { return []string{"eventbus"} }
func (d *reconcilerDependency) Start(ctx context.Context) error {
	go func() {
		if err := d.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.WithError(err).Error("reconciler exited")
		}
	}()
	return nil
}
func (d *reconcilerDependency) Stop(context.Context) error { return nil }

// httpServerDependency serves the admin API, health checks and /metrics.
type httpServerDependency struct {
	srv    *http.Server
	logger ectologger.Logger
}

func (d *httpServerDependency) Name() string        { return "http" }
func (d *httpServerDependency) DependsOn() []string { return nil }
func (d *httpServerDependency) Start(context.Context) error {
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.WithError(err).Error("admin http server exited")
		}
	}()
	return nil
}
func (d *httpServerDependency) Stop(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}
