package main

import (
	"fmt"
	"os"

	"warden/pkg/control"
	"warden/pkg/gate"
	"warden/pkg/role"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "warden init" subcommand.
func newInitCmd() *cobra.Command {
	var (
		pin   string
		agent string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the warden state directory and default policy",
		Long:  "Creates ~/.warden with a default role policy and secret allowlist,\nand verifies the external tools a session needs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := p.bootstrapDirs(); err != nil {
				return err
			}
			if err := control.NewController(p.WardenHome).Bootstrap(); err != nil {
				return err
			}

			if _, err := os.Stat(p.RolePath); os.IsNotExist(err) {
				r := role.Default()
				if pin != "" {
					r.Auth.PINHash = gate.HashPIN(pin)
				} else {
					// No PIN yet: waive review so the gate stays usable
					// until the operator sets one.
					r.ReviewWaived = true
				}
				if err := r.Save(p.RolePath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote default role policy to %s\n", p.RolePath)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "role policy already exists at %s\n", p.RolePath)
			}

			if _, err := os.Stat(p.AllowlistPath); os.IsNotExist(err) {
				if err := (&gate.Allowlist{}).Save(p.AllowlistPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote empty secret allowlist to %s\n", p.AllowlistPath)
			}

			if err := runPreflightChecks(agent); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %v\n", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "warden initialized at %s\n", p.WardenHome)
			return nil
		},
	}

	cmd.Flags().StringVar(&pin, "pin", "", "operator PIN for promotion re-authentication")
	cmd.Flags().StringVar(&agent, "agent", "claude", "agent binary the executor will spawn")

	return cmd
}
