package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <file>",
		Short: "Register a playbook from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return userErr(fmt.Errorf("read playbook: %w", err))
			}
			client := newCLIClient(cfg.Worker.ServerURL)
			entry, err := client.register(cmd.Context(), string(content))
			if err != nil {
				return err
			}
			fmt.Printf("Registered %v version %v\n", entry["path"], entry["version"])
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var (
		sets    []string
		version int
	)
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Start an execution of a registered playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workload, err := parseSets(sets)
			if err != nil {
				return userErr(err)
			}
			client := newCLIClient(cfg.Worker.ServerURL)
			id, err := client.run(cmd.Context(), args[0], version, workload)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "workload override key=value (value parsed as JSON, falling back to string)")
	cmd.Flags().IntVar(&version, "version", 0, "playbook version (0 = latest)")
	return cmd
}

func executeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execution inspection commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print execution status and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return userErr(fmt.Errorf("invalid execution id %q", args[0]))
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newCLIClient(cfg.Worker.ServerURL)
			status, err := client.executionStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJSON(status)

			events, err := client.recentEvents(cmd.Context(), id, 20)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("%s  %-20s %-24s %s\n",
					ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.NodeID, ev.Status)
			}
			return nil
		},
	})
	return cmd
}

// parseSets turns --set key=value pairs into a workload override map. Values
// parse as JSON first so numbers, booleans, and objects survive; anything
// else stays a string.
func parseSets(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		key, raw, found := strings.Cut(s, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
