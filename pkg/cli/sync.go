package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/reconcile"
)

func newSyncCommand(o *rootOptions) *cobra.Command {
	var identity models.DeviceIdentity

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask the management service to check the device in now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := identity.Validate(); err != nil {
				return usage(err)
			}

			a, err := newApp(cmd.Context(), o)
			if err != nil {
				return err
			}

			defer a.close(cmd.Context(), "")

			records, err := a.resolver.Locate(cmd.Context(), models.ServiceManagement, identity)
			if err != nil {
				return fmt.Errorf("failed to look up %s: %w", identity, err)
			}

			st := newLogStyles(lipgloss.NewRenderer(cmd.OutOrStdout()))
			out := cmd.OutOrStdout()

			if len(records) == 0 {
				_, _ = fmt.Fprintln(out, st.muted.Render(identity.String()+": no management record"))

				return nil
			}

			var client directory.Client = a.client
			if o.dryRun {
				client = directory.NewDryRunClient(a.client, a.log)
			}

			translate := reconcile.DefaultTranslators()[models.ServiceManagement]

			for _, rec := range records {
				outcome := translate(client.InvokeSync(cmd.Context(), rec.NativeID))

				line := fmt.Sprintf("%s (%s): %s", rec.DisplayName, rec.NativeID, outcome.ErrorClass)
				if outcome.Message != "" {
					line += " " + outcome.Message
				}

				switch {
				case !outcome.Success:
					_, _ = fmt.Fprintln(out, st.error.Render(line))
				case outcome.ErrorClass == models.ErrorClassNone:
					_, _ = fmt.Fprintln(out, st.success.Render(line))
				default:
					_, _ = fmt.Fprintln(out, st.warning.Render(line))
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&identity.Name, "name", "", "device display name")
	cmd.Flags().StringVar(&identity.Serial, "serial", "", "device serial number")

	return cmd
}
