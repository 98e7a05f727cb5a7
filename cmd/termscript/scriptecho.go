package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"pkt.systems/termscript/schema"
)

type echoConfig struct {
	badge bool
	panel bool
	level schema.LogLevel
}

func newScriptEchoCmd() *cobra.Command {
	var cfg echoConfig
	var level string
	cmd := &cobra.Command{
		Use:           "script-echo",
		Short:         "Reference script: answer each terminal event with a log command",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.level = schema.LogLevel(level)
			return runScriptEcho(cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&cfg.badge, "badge", false, "also set the badge to the event count")
	cmd.Flags().BoolVar(&cfg.panel, "panel", false, "also show the last event kind in a panel")
	cmd.Flags().StringVar(&level, "level", string(schema.LogInfo), "log level of the echoed lines")
	return cmd
}

// runScriptEcho speaks the script side of the protocol: events on stdin,
// commands on stdout, diagnostics on stderr.
func runScriptEcho(cfg echoConfig, stdin io.Reader, stdout, stderr io.Writer) error {
	if cfg.level == "" {
		cfg.level = schema.LogInfo
	}
	writer := bufio.NewWriter(stdout)
	defer func() { _ = writer.Flush() }()

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	count := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		event, err := schema.DecodeEvent(line)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "script-echo: %v\n", err)
			continue
		}
		count++
		cmds := []schema.Command{schema.Log{Level: cfg.level, Message: "event " + string(event.Kind)}}
		if cfg.badge {
			cmds = append(cmds, schema.SetBadge{Text: "events: " + strconv.Itoa(count)})
		}
		if cfg.panel {
			cmds = append(cmds, schema.SetPanel{Title: "script-echo", Content: "last event: " + string(event.Kind)})
		}
		for _, cmd := range cmds {
			data, err := schema.EncodeCommand(cmd)
			if err != nil {
				return err
			}
			if _, err := writer.Write(append(data, '\n')); err != nil {
				return err
			}
		}
		// Scripts are long-lived; each answer must reach the host immediately.
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}
