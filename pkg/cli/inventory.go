package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/carverauto/fleetreconcile/pkg/index"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

var inventoryHeader = []string{
	"serial", "registry_id", "registry_name",
	"management_id", "management_name", "management_state", "matched_by",
	"directory_id", "directory_name",
}

func newInventoryCommand(o *rootOptions) *cobra.Command {
	var export string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List every registry device with its management and directory counterparts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			idx, a, err := buildIndex(cmd.Context(), o)
			if err != nil {
				return err
			}

			defer a.close(cmd.Context(), "")

			return writeInventory(cmd.OutOrStdout(), o.output, "Inventory", idx.Rows, export)
		},
	}

	cmd.Flags().StringVar(&export, "export", "", "also write the rows as CSV to this file")

	return cmd
}

func newOrphansCommand(o *rootOptions) *cobra.Command {
	var export string

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List registry devices that the management service does not know",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			idx, a, err := buildIndex(cmd.Context(), o)
			if err != nil {
				return err
			}

			defer a.close(cmd.Context(), "")

			return writeInventory(cmd.OutOrStdout(), o.output, "Orphans", idx.OrphanRows(), export)
		},
	}

	cmd.Flags().StringVar(&export, "export", "", "also write the rows as CSV to this file")

	return cmd
}

func buildIndex(ctx context.Context, o *rootOptions) (*index.CrossServiceIndex, *app, error) {
	a, err := newApp(ctx, o)
	if err != nil {
		return nil, nil, err
	}

	idx, err := index.NewBuilder(a.client, a.clock, a.log.WithComponent("index")).Build(ctx)
	if err != nil {
		a.close(ctx, "")

		return nil, nil, err
	}

	return idx, a, nil
}

func writeInventory(w io.Writer, output, title string, rows []index.InventoryRow, export string) error {
	if export != "" {
		if err := exportInventory(export, rows); err != nil {
			return err
		}
	}

	if output == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	return renderInventory(w, title, rows)
}

func renderInventory(w io.Writer, title string, rows []index.InventoryRow) error {
	re := lipgloss.NewRenderer(w)
	header := re.NewStyle().Bold(true).Foreground(lipgloss.Color(draculaCyan)).Padding(0, 1)
	cell := re.NewStyle().Padding(0, 1)
	muted := re.NewStyle().Foreground(report.MutedColor).Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(re.NewStyle().Foreground(report.MutedColor)).
		Headers("SERIAL", "REGISTRY", "MANAGEMENT", "STATE", "MATCHED BY", "DIRECTORY").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case col == 4:
				return muted
			default:
				return cell
			}
		})

	for _, row := range rows {
		t.Row(inventoryCells(row)...)
	}

	_, err := fmt.Fprintf(w, "%s (%d)\n%s\n",
		re.NewStyle().Bold(true).Foreground(report.AccentColor).Render(title), len(rows), t.Render())

	return err
}

func inventoryCells(row index.InventoryRow) []string {
	mgmt, state, dir := "-", "", "-"

	if row.Management != nil {
		mgmt = orDash(row.Management.DisplayName)
		state = string(row.Management.ManagementState)
	}

	if row.Directory != nil {
		dir = orDash(row.Directory.DisplayName)
	}

	return []string{
		orDash(row.Registry.SerialNumber),
		orDash(row.Registry.DisplayName),
		mgmt,
		state,
		string(row.ManagementMatchedBy),
		dir,
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func exportInventory(path string, rows []index.InventoryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}

	cw := csv.NewWriter(f)

	if err := cw.Write(inventoryHeader); err != nil {
		_ = f.Close()

		return err
	}

	for _, row := range rows {
		if err := cw.Write(inventoryRecord(row)); err != nil {
			_ = f.Close()

			return err
		}
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}

func inventoryRecord(row index.InventoryRow) []string {
	rec := []string{
		row.Registry.SerialNumber, row.Registry.NativeID, row.Registry.DisplayName,
		"", "", "", string(row.ManagementMatchedBy),
		"", "",
	}

	if m := row.Management; m != nil {
		rec[3], rec[4], rec[5] = m.NativeID, m.DisplayName, string(m.ManagementState)
	}

	if d := row.Directory; d != nil {
		rec[7], rec[8] = d.NativeID, d.DisplayName
	}

	return rec
}

// managementState is shown in the picker for rows with a pending action.
func managementState(row index.InventoryRow) models.ManagementState {
	if row.Management == nil {
		return ""
	}

	return row.Management.ManagementState
}
