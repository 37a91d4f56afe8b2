/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/config"
	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/metrics"
	"github.com/carverauto/fleetreconcile/pkg/reconcile"
	"github.com/carverauto/fleetreconcile/pkg/resolve"
	"github.com/carverauto/fleetreconcile/pkg/sink"
	"github.com/carverauto/fleetreconcile/pkg/verify"
	"github.com/carverauto/fleetreconcile/pkg/version"
)

// app is everything one command invocation needs.
type app struct {
	cfg      *Config
	log      logger.Logger
	clock    clock.Clock
	client   directory.Client
	metrics  *metrics.Metrics
	resolver *resolve.Resolver
	tracer   *sdktrace.TracerProvider
	rootSpan trace.Span
}

// newApp loads configuration and builds the client stack. Flags already
// parsed into opts take precedence over file and environment values.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg := DefaultConfig()

	bootLog := logger.NewWriter(opts.logWriter(), zerolog.WarnLevel)

	if err := config.NewConfig(bootLog).LoadAndValidate(ctx, opts.configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}

	log, err := buildLogger(cfg.Logging, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if redacted, err := config.Redact(cfg); err == nil {
		log.Debug().Interface("config", redacted).Msg("Effective configuration")
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		clock:   opts.clock,
		metrics: metrics.New(),
	}

	if a.clock == nil {
		a.clock = clock.Real()
	}

	if cfg.Tracing.Enabled {
		tp, _, span, err := logger.InitializeTracing(ctx, logger.TracingConfig{
			ServiceName:    "fleetreconcile",
			ServiceVersion: version.GetVersion(),
			Debug:          opts.debug,
			Logger:         log,
			OTel:           &cfg.Tracing,
		})
		if err != nil {
			return nil, err
		}

		a.tracer = tp
		a.rootSpan = span
	}

	a.client = a.buildClient()
	a.resolver = resolve.New(a.client, log.WithComponent("resolve"))

	return a, nil
}

func buildLogger(cfg *logger.Config, opts *rootOptions) (logger.Logger, error) {
	if cfg == nil {
		cfg = logger.DefaultConfig()
	}

	if opts.debug {
		cfg.Debug = true
	}

	if opts.logOutput != nil {
		level := zerolog.InfoLevel
		if cfg.Debug {
			level = zerolog.DebugLevel
		}

		return logger.NewWriter(opts.logOutput, level), nil
	}

	return logger.Init(cfg)
}

func (a *app) buildClient() directory.Client {
	g := a.cfg.Graph

	var tokens directory.TokenProvider
	if g.AccessToken != "" {
		tokens = directory.StaticTokenProvider{Token: g.AccessToken}
	} else {
		tokens = directory.NewCachedTokenProvider(directory.NewClientCredentialsProvider(directory.ClientCredentialsConfig{
			TenantID:     g.TenantID,
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			Authority:    g.Authority,
			Scopes:       g.Scopes,
		}), g.TokenTTL.Std(), a.clock)
	}

	cb := directory.NewCircuitBreaker("graph", g.CircuitBreaker, a.clock, a.log,
		directory.WithStateObserver(func(name string, _, to directory.CircuitBreakerState) {
			a.metrics.ObserveBreakerTransition(name, to.String())
		}))
	httpClient := directory.NewCircuitBreakerHTTPClient(&http.Client{Timeout: g.Timeout.Std()}, cb)

	return directory.NewGraphClient(directory.Config{
		BaseURL:        g.BaseURL,
		PageSize:       g.PageSize,
		SerialIDPrefix: g.SerialIDPrefix,
	}, httpClient, tokens, a.log.WithComponent("directory"), directory.WithObserver(a.metrics))
}

// runner builds the orchestration stack around a result sink.
func (a *app) runner(out reconcile.Sink, progress reconcile.ProgressFunc) *reconcile.Runner {
	verifier := verify.New(a.resolver, a.clock, a.log.WithComponent("verify"))
	orch := reconcile.NewOrchestrator(a.client, verifier, a.clock, a.log.WithComponent("reconcile"),
		reconcile.WithRecorder(a.metrics))

	return reconcile.NewRunner(orch, a.resolver, a.cfg.Workers, a.log, reconcile.WithSink(out), reconcile.WithProgress(progress))
}

// sinks opens every configured result destination. The metrics registry is always included.
func (a *app) sinks(ctx context.Context, exportPath string) (sink.Multi, error) {
	out := sink.Multi{a.metrics}

	if exportPath == "" {
		exportPath = a.cfg.Export.Path
	}

	if exportPath != "" {
		csvSink, err := sink.CreateCSV(exportPath)
		if err != nil {
			return nil, err
		}

		out = append(out, csvSink)
	}

	if a.cfg.NATS.URL != "" {
		natsSink, err := sink.ConnectNATS(ctx, a.cfg.NATS, a.log.WithComponent("nats"))
		if err != nil {
			_ = out.Close()

			return nil, err
		}

		out = append(out, natsSink)
	}

	if a.cfg.Postgres.DSN != "" {
		pgSink, err := sink.ConnectPostgres(ctx, a.cfg.Postgres, a.log.WithComponent("postgres"))
		if err != nil {
			_ = out.Close()

			return nil, err
		}

		out = append(out, pgSink)
	}

	return out, nil
}

// close pushes metrics when configured and flushes traces.
func (a *app) close(ctx context.Context, runID string) {
	ctx = context.WithoutCancel(ctx)

	if a.cfg.Metrics.PushgatewayURL != "" {
		if err := a.metrics.Push(ctx, a.cfg.Metrics, runID); err != nil {
			a.log.Warn().Err(err).Msg("Failed to push metrics")
		}
	}

	if a.rootSpan != nil {
		a.rootSpan.End()
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}

func (o *rootOptions) logWriter() io.Writer {
	if o.logOutput != nil {
		return o.logOutput
	}

	return os.Stderr
}
