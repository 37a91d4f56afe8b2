package cli

import (
	"github.com/spf13/cobra"

	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/reconcile"
)

func newRemoveCommand(o *rootOptions) *cobra.Command {
	var (
		identity models.DeviceIdentity
		flags    removalFlags
	)

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove one device from every service, in dependency order",
		Example: `  fleetreconcile remove --serial PF2ABC --wipe
  fleetreconcile remove --name LAPTOP-01 --services directory --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := identity.Validate(); err != nil {
				return usage(err)
			}

			a, err := newApp(cmd.Context(), o)
			if err != nil {
				return err
			}

			opts, err := flags.options(a.cfg, o.dryRun)
			if err != nil {
				return err
			}

			return runJobs(cmd, o, a, []reconcile.Job{{Identity: identity}}, opts, flags.export)
		},
	}

	cmd.Flags().StringVar(&identity.Name, "name", "", "device display name")
	cmd.Flags().StringVar(&identity.Serial, "serial", "", "device serial number")
	flags.register(cmd)

	return cmd
}
