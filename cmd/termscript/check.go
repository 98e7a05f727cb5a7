package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termscript/internal/appconfig"
)

func newCheckCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and list script definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			for _, def := range cfg.Scripts {
				for _, name := range def.UnknownSubscriptions() {
					logger.Warn("script subscription matches no built-in event kind", "script", def.Name, "subscription", name)
				}
			}
			logger.Info("config ok",
				"definitions", len(cfg.Scripts),
				"tick_interval_ms", cfg.Session.TickIntervalMs,
				"output_max_lines", cfg.Session.OutputMaxLines,
			)
			return writeDefinitionSummary(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func writeDefinitionSummary(out io.Writer, cfg appconfig.Config) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tAUTO START\tRESTART\tSUBSCRIPTIONS\tPERMISSIONS")
	for _, def := range cfg.Scripts {
		restart := string(def.RestartPolicy)
		if def.RestartDelayMs > 0 {
			restart += " (" + strconv.Itoa(def.RestartDelayMs) + "ms)"
		}
		subs := "all"
		if len(def.Subscriptions) > 0 {
			subs = strings.Join(def.Subscriptions, ",")
		}
		var perms []string
		if def.AllowWriteText {
			perms = append(perms, "write_text")
		}
		if def.AllowRunCommand {
			perms = append(perms, "run_command")
		}
		if def.AllowChangeConfig {
			perms = append(perms, "change_config")
		}
		permText := "-"
		if len(perms) > 0 {
			permText = strings.Join(perms, ",")
		}
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\t%s\n", def.Name, def.Enabled, def.AutoStart, restart, subs, permText)
	}
	return w.Flush()
}
