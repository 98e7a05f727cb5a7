package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/termscript/internal/appconfig"
	"pkt.systems/termscript/internal/format"
	"pkt.systems/termscript/internal/persist"
)

func newStatusCmd() *cobra.Command {
	var cfgPath string
	var sessionName string
	var tail int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last script status snapshot of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.StateDir == "" {
				return fmt.Errorf("state_dir is not configured")
			}
			store, err := persist.NewStore(cfg.StateDir)
			if err != nil {
				return err
			}
			snapshot, ok, err := store.Load(sessionName)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no status snapshot for session %q in %s", sessionName, cfg.StateDir)
			}
			renderer := &format.PlainRenderer{Tail: tail}
			for _, line := range renderer.FormatSnapshot(snapshot) {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&sessionName, "session", "default", "session name")
	cmd.Flags().IntVar(&tail, "tail", 10, "output lines shown per script (0 for all)")
	return cmd
}
