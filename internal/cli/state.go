package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the master's framework, agents and tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := client.GetJSON("/state", &data); err != nil {
				return fmt.Errorf("get state: %w", err)
			}

			masterID, _ := data["master_id"].(string)
			uptime, _ := data["uptime"].(string)
			fmt.Printf("Master: %s (up %s)\n", masterID, uptime)

			if fw, ok := data["framework"].(map[string]any); ok {
				name, _ := fw["name"].(string)
				id, _ := fw["id"].(string)
				fmt.Printf("Framework: %s (%s)\n", name, id)
			} else {
				fmt.Println("No framework subscribed.")
			}

			if agents, ok := data["agents"].([]any); ok && len(agents) > 0 {
				fmt.Printf("\n%-14s  %-16s  %-10s  %-20s  %-5s  %s\n", "AGENT", "HOSTNAME", "CPUS", "MEM", "TASKS", "OFFERED")
				for _, a := range agents {
					ag, ok := a.(map[string]any)
					if !ok {
						continue
					}
					id, _ := ag["id"].(string)
					hostname, _ := ag["hostname"].(string)
					cpus, _ := ag["cpus"].(float64)
					usedCPUs, _ := ag["used_cpus"].(float64)
					memMB, _ := ag["mem_mb"].(float64)
					usedMemMB, _ := ag["used_mem_mb"].(float64)
					tasks, _ := ag["tasks"].(float64)
					offered, _ := ag["offered"].(bool)
					fmt.Printf("%-14s  %-16s  %-10s  %-20s  %-5d  %t\n",
						id, hostname,
						fmt.Sprintf("%g/%g", usedCPUs, cpus),
						fmt.Sprintf("%s/%s",
							humanize.IBytes(uint64(usedMemMB)*1024*1024),
							humanize.IBytes(uint64(memMB)*1024*1024)),
						int(tasks), offered)
				}
			}

			if tasks, ok := data["tasks"].([]any); ok && len(tasks) > 0 {
				fmt.Printf("\n%-36s  %-14s  %-14s  %s\n", "TASK", "AGENT", "STATE", "MESSAGE")
				for _, v := range tasks {
					task, ok := v.(map[string]any)
					if !ok {
						continue
					}
					id, _ := task["id"].(string)
					agent, _ := task["agent"].(string)
					state, _ := task["state"].(string)
					message, _ := task["message"].(string)
					fmt.Printf("%-36s  %-14s  %-14s  %s\n", id, agent, state, message)
				}
			}

			return nil
		},
	}
}
