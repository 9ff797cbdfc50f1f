package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUpdatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "updates <task-id>",
		Short: "Show a task's journaled status transitions",
		Long: `updates lists every status transition the master journaled for a task,
oldest first. The master must run with a journal (--journal) for this
to return anything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			var entries []map[string]any
			if err := client.GetJSON("/api/v1/tasks/"+id+"/updates", &entries); err != nil {
				return fmt.Errorf("get task updates: %w", err)
			}

			if len(entries) == 0 {
				fmt.Printf("No journaled updates for task %s.\n", id)
				return nil
			}

			fmt.Printf("Task: %s\n", id)
			for _, e := range entries {
				state, _ := e["state"].(string)
				createdAt, _ := e["created_at"].(string)
				acked, _ := e["acked"].(bool)
				line := fmt.Sprintf("  %s  %-14s", createdAt, state)
				if acked {
					line += "  acked"
				}
				if msg, ok := e["message"].(string); ok && msg != "" {
					line += fmt.Sprintf("  %q", msg)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
