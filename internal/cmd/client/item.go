package client

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewItemCommand constructs the `item` command group.
func NewItemCommand(baseURL BaseURLFunc) *cobra.Command {
	itemCmd := &cobra.Command{Use: "item", Short: "Item operations"}
	itemCmd.AddCommand(
		newItemEnqueueCommand(baseURL),
		newItemRequestCommand(baseURL),
		newItemHeartbeatCommand(baseURL),
		newItemFinishCommand(baseURL),
	)
	return itemCmd
}

func newItemEnqueueCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert an item into a project's queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, _ := cmd.Flags().GetString("project")
			item, _ := cmd.Flags().GetString("item")
			body := map[string]any{
				"project": project,
				"item":    item,
			}
			if cmd.Flags().Changed("priority") {
				prio, _ := cmd.Flags().GetInt32("priority")
				body["priority"] = prio
			}
			if expectedMs, _ := cmd.Flags().GetInt64("expected-ms"); expectedMs > 0 {
				body["expectedDurationMs"] = expectedMs
			}
			return postJSON(baseURL()+"/v1/items/enqueue", body)
		},
	}
	cmd.Flags().String("project", "", "Project name (required)")
	cmd.Flags().String("item", "", "Item name (required)")
	cmd.Flags().Int32("priority", 0, "Priority (lower is served first; default from server config)")
	cmd.Flags().Int64("expected-ms", 0, "Expected processing duration in ms (default from server config)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func newItemRequestCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a work item, like a worker would",
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, _ := cmd.Flags().GetString("project")
			username, _ := cmd.Flags().GetString("username")
			version, _ := cmd.Flags().GetString("version")
			return postJSON(baseURL()+"/v1/items/request", map[string]string{
				"project":  project,
				"username": username,
				"version":  version,
			})
		},
	}
	cmd.Flags().String("project", "", "Project name (required)")
	cmd.Flags().String("username", "", "Worker username (required)")
	cmd.Flags().String("version", "", "Worker pipeline version")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newItemHeartbeatCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh a handout's lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			handoutID, _ := cmd.Flags().GetString("handout")
			return postJSON(baseURL()+"/v1/items/heartbeat", map[string]string{
				"handoutId": handoutID,
			})
		},
	}
	cmd.Flags().String("handout", "", "Handout id (required)")
	_ = cmd.MarkFlagRequired("handout")
	return cmd
}

func newItemFinishCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Resolve a handout as succeeded or abandoned",
		RunE: func(cmd *cobra.Command, _ []string) error {
			handoutID, _ := cmd.Flags().GetString("handout")
			outcome, _ := cmd.Flags().GetString("outcome")
			size, _ := cmd.Flags().GetInt64("size")
			return postJSON(baseURL()+"/v1/items/finish", map[string]any{
				"handoutId": handoutID,
				"outcome":   outcome,
				"size":      size,
			})
		},
	}
	cmd.Flags().String("handout", "", "Handout id (required)")
	cmd.Flags().String("outcome", "succeeded", "succeeded|abandoned")
	cmd.Flags().Int64("size", 0, "Finished payload size in bytes")
	_ = cmd.MarkFlagRequired("handout")
	return cmd
}

// NewLeaderboardCommand constructs the `leaderboard` command.
func NewLeaderboardCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show per-worker contribution totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, _ := cmd.Flags().GetString("project")
			limit, _ := cmd.Flags().GetInt("limit")
			url := baseURL() + "/v1/leaderboard?project=" + project
			if limit > 0 {
				url += "&limit=" + strconv.Itoa(limit)
			}
			return getJSON(url)
		},
	}
	cmd.Flags().String("project", "", "Project name (required)")
	cmd.Flags().Int("limit", 0, "Maximum entries")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
