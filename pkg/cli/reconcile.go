package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/carverauto/fleetreconcile/pkg/index"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/reconcile"
)

type reconcileSource struct {
	orphans     bool
	all         bool
	interactive bool
	serialsFile string
}

func (s reconcileSource) count() int {
	n := 0

	for _, set := range []bool{s.orphans, s.all, s.interactive, s.serialsFile != ""} {
		if set {
			n++
		}
	}

	return n
}

func newReconcileCommand(o *rootOptions) *cobra.Command {
	var (
		src   reconcileSource
		flags removalFlags
		yes   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove a batch of devices selected from the cross-service inventory",
		Example: `  fleetreconcile reconcile --orphans --dry-run
  fleetreconcile reconcile --serials-file retired.txt --wipe --yes --workers 8
  fleetreconcile reconcile --interactive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if src.count() != 1 {
				return usage(errConflictingSources)
			}

			if !o.dryRun && !yes && !src.interactive {
				return usage(errNeedsConfirmation)
			}

			var serials []string

			if src.serialsFile != "" {
				var err error

				serials, err = readSerials(src.serialsFile)
				if err != nil {
					return usage(err)
				}
			}

			idx, a, err := buildIndex(cmd.Context(), o)
			if err != nil {
				return err
			}

			var rows []index.InventoryRow

			switch {
			case src.orphans:
				rows = idx.OrphanRows()
			case src.all:
				rows = idx.Rows
			case src.interactive:
				rows, err = o.pick(idx.Rows, cmd.InOrStdin(), cmd.ErrOrStderr())
			}

			st := newLogStyles(lipgloss.NewRenderer(cmd.ErrOrStderr()))

			if errors.Is(err, errPickerCancelled) || errors.Is(err, errNoDevices) {
				a.close(cmd.Context(), "")
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), st.warning.Render(err.Error()))

				return nil
			}

			if err != nil {
				a.close(cmd.Context(), "")

				return err
			}

			jobs := make([]reconcile.Job, 0, len(rows)+len(serials))

			for _, row := range rows {
				jobs = append(jobs, reconcile.Job{Identity: row.Identity(), Resolution: idx.Resolution(row)})
			}

			for _, serial := range serials {
				if row, ok := idx.RowBySerial(serial); ok {
					jobs = append(jobs, reconcile.Job{Identity: row.Identity(), Resolution: idx.Resolution(row)})

					continue
				}

				// not in the registry; resolve live against the other services
				jobs = append(jobs, reconcile.Job{Identity: models.DeviceIdentity{Serial: serial}})
			}

			if len(jobs) == 0 {
				a.close(cmd.Context(), "")
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), st.muted.Render(errNoDevices.Error()))

				return nil
			}

			opts, err := flags.options(a.cfg, o.dryRun)
			if err != nil {
				a.close(cmd.Context(), "")

				return err
			}

			return runJobs(cmd, o, a, jobs, opts, flags.export)
		},
	}

	fs := cmd.Flags()
	fs.BoolVar(&src.orphans, "orphans", false, "process registry devices unknown to the management service")
	fs.BoolVar(&src.all, "all", false, "process every registry device")
	fs.BoolVar(&src.interactive, "interactive", false, "pick devices from the inventory")
	fs.StringVar(&src.serialsFile, "serials-file", "", "process the serial numbers listed in this file, one per line")
	fs.IntVar(&o.workers, "workers", 0, "devices processed in parallel (default from config, 4)")
	fs.BoolVarP(&yes, "yes", "y", false, "confirm a destructive batch run")
	flags.register(cmd)

	return cmd
}

// readSerials reads one serial per line. Blank lines and # comments are
// skipped, a CSV line contributes its first field, duplicates are dropped.
func readSerials(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open serials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		out  []string
		seen = make(map[string]struct{})
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if i := strings.IndexByte(line, ','); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		key := index.SerialKey(line)
		if key == "" {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read serials file: %w", err)
	}

	return out, nil
}
