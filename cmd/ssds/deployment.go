package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newDeploymentCmd(a *app) *cobra.Command {
	deploymentCmd := &cobra.Command{
		Use:   "deployment",
		Short: "Configured deployments",
	}

	deploymentCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range a.registry.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.URL(), units.BytesSize(float64(d.MinChunkSize())))
			}
			return w.Flush()
		},
	})

	return deploymentCmd
}
