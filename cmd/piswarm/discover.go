package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"piswarm/internal/discovery"
	"piswarm/internal/ipdetect"
)

func newDiscoverCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the local subnet for Raspberry Pi candidates",
		Long: `Discover sweeps the local subnet and lists the devices that look like
Raspberry Pis, best candidates first. Nothing is changed on any host.`,
		Args: cobra.NoArgs,
		RunE: root.runE(func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := discovery.Available(); err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			out := cmd.OutOrStdout()

			if subnet, err := ipdetect.DetectSubnet(); err == nil {
				fmt.Fprintf(out, "Scanning %s\n", subnet)
			}
			cands, err := newScanner(cfg).Scan(cmd.Context())
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if len(cands) == 0 {
				fmt.Fprintln(out, "No devices found.")
				return nil
			}
			for _, c := range cands {
				fmt.Fprintln(out, "  "+c.Label())
			}
			return nil
		}),
	}
}
