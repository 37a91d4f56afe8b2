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

// Package cli implements the fleetreconcile command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/index"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/reconcile"
	"github.com/carverauto/fleetreconcile/pkg/report"
	"github.com/carverauto/fleetreconcile/pkg/version"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// PickFunc lets the operator choose rows from an inventory.
type PickFunc func(rows []index.InventoryRow, in io.Reader, out io.Writer) ([]index.InventoryRow, error)

type rootOptions struct {
	configPath string
	debug      bool
	dryRun     bool
	output     string
	workers    int

	clock     clock.Clock
	logOutput io.Writer
	pick      PickFunc
}

// Option customizes the command tree; used by tests and embedding programs.
type Option func(*rootOptions)

// WithClock replaces the wall clock used for polling.
func WithClock(c clock.Clock) Option {
	return func(o *rootOptions) { o.clock = c }
}

// WithLogOutput sends structured logs to w instead of the configured output.
func WithLogOutput(w io.Writer) Option {
	return func(o *rootOptions) { o.logOutput = w }
}

// WithPicker replaces the interactive device picker.
func WithPicker(p PickFunc) Option {
	return func(o *rootOptions) { o.pick = p }
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	o := &rootOptions{output: outputTable, pick: runPicker}

	for _, opt := range opts {
		opt(o)
	}

	root := &cobra.Command{
		Use:           "fleetreconcile",
		Short:         "Reconcile and remove devices across the deployment registry, management service and directory",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch o.output {
			case outputTable, outputJSON:
				return nil
			default:
				return usage(fmt.Errorf("%w: %q", errUnknownOutput, o.output))
			}
		},
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usage(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "path to a JSON, YAML or TOML config file")
	pf.BoolVar(&o.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&o.dryRun, "dry-run", false, "report what would happen without changing anything")
	pf.StringVarP(&o.output, "output", "o", outputTable, "output format: table or json")

	root.AddCommand(
		newRemoveCommand(o),
		newInventoryCommand(o),
		newOrphansCommand(o),
		newReconcileCommand(o),
		newSyncCommand(o),
	)

	return root
}

// Execute runs the command line and maps the outcome to an exit code.
// Device-level failures are reported, not signalled through the exit code.
func Execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer, opts ...Option) int {
	root := NewRootCommand(opts...)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	st := newLogStyles(lipgloss.NewRenderer(errOut))

	if errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintln(errOut, st.warning.Render("Cancelled"))

		return ExitOK
	}

	_, _ = fmt.Fprintln(errOut, st.error.Render("Error: "+err.Error()))

	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsage
	}

	return ExitFailure
}

// removalFlags are shared by remove and reconcile.
type removalFlags struct {
	services       []string
	wipe           bool
	keepEnrollment bool
	keepUser       bool
	fast           bool
	allowAmbiguous bool
	timeout        time.Duration
	pollInterval   time.Duration
	wipeTimeout    time.Duration
	export         string
}

func (f *removalFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringSliceVar(&f.services, "services", nil, "services to delete from (management, registry, directory); default all")
	fs.BoolVar(&f.wipe, "wipe", false, "factory-reset the device through the management service first")
	fs.BoolVar(&f.keepEnrollment, "keep-enrollment", false, "keep enrollment data on wipe")
	fs.BoolVar(&f.keepUser, "keep-user", false, "keep user data on wipe")
	fs.BoolVar(&f.fast, "fast", false, "skip waiting for the wipe and for removal to become visible")
	fs.BoolVar(&f.allowAmbiguous, "allow-ambiguous", false, "act on records matched by display name only")
	fs.DurationVar(&f.timeout, "timeout", 0, "maximum time to wait for removal (default from config, 10m)")
	fs.DurationVar(&f.pollInterval, "poll-interval", 0, "time between removal checks (default from config, 30s)")
	fs.DurationVar(&f.wipeTimeout, "wipe-timeout", 0, "maximum time to wait for the wipe (default from config, 30m)")
	fs.StringVar(&f.export, "export", "", "write one CSV row per device to this file")
}

func (f *removalFlags) options(cfg *Config, dryRun bool) (reconcile.Options, error) {
	opts := reconcile.Options{
		RunID:          uuid.NewString(),
		Wipe:           f.wipe,
		KeepEnrollment: f.keepEnrollment,
		KeepUser:       f.keepUser,
		Fast:           f.fast,
		DryRun:         dryRun,
		AllowAmbiguous: f.allowAmbiguous,
		MaxWait:        orDefault(f.timeout, cfg.Verification.MaxWait.Std()),
		PollInterval:   orDefault(f.pollInterval, cfg.Verification.PollInterval.Std()),
		WipeMaxWait:    orDefault(f.wipeTimeout, cfg.Verification.WipeMaxWait.Std()),
	}

	for _, name := range f.services {
		kind, err := models.ParseServiceKind(name)
		if err != nil {
			return opts, usage(err)
		}

		opts.Services = append(opts.Services, kind)
	}

	return opts, nil
}

func orDefault(flag, fallback time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}

	return fallback
}

// runJobs processes jobs, streams progress to stderr and prints the report.
func runJobs(cmd *cobra.Command, o *rootOptions, a *app, jobs []reconcile.Job, opts reconcile.Options, export string) error {
	ctx := cmd.Context()

	out, err := a.sinks(ctx, export)
	if err != nil {
		return err
	}

	defer func() {
		if err := out.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close result sinks")
		}
	}()

	st := newLogStyles(lipgloss.NewRenderer(cmd.ErrOrStderr()))

	progress := func(done, total int, res *models.DeviceReconciliationResult) {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s\n",
			st.muted.Render(fmt.Sprintf("[%d/%d]", done, total)),
			res.Identity.String(),
			st.info.Render(string(report.Classify(res))))
	}

	if opts.DryRun {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), st.warning.Render("Dry run: no changes will be made"))
	}

	results, runErr := a.runner(out, progress).Run(ctx, jobs, opts)

	a.close(ctx, opts.RunID)

	rep := report.Build(opts.RunID, results, a.clock.Now())

	if err := writeReport(cmd.OutOrStdout(), o.output, rep); err != nil {
		return err
	}

	if runErr != nil {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), st.warning.Render(
			fmt.Sprintf("Run interrupted after %d of %d devices", len(results), len(jobs))))
	}

	return runErr
}

func writeReport(w io.Writer, output string, rep *report.Report) error {
	if output == outputJSON {
		return rep.WriteJSON(w)
	}

	return rep.Render(w)
}
