package client

import (
	"github.com/spf13/cobra"
)

// NewProjectCommand constructs the `project` command group.
func NewProjectCommand(baseURL BaseURLFunc) *cobra.Command {
	projectCmd := &cobra.Command{Use: "project", Short: "Project operations"}
	projectCmd.AddCommand(
		newProjectCreateCommand(baseURL),
		newProjectListCommand(baseURL),
		newProjectPauseCommand(baseURL),
		newProjectResumeCommand(baseURL),
		newProjectCountsCommand(baseURL),
	)
	return projectCmd
}

func newProjectCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			slug, _ := cmd.Flags().GetString("slug")
			iconURI, _ := cmd.Flags().GetString("icon-uri")
			ratelimit, _ := cmd.Flags().GetInt("ratelimit")
			minVersion, _ := cmd.Flags().GetInt("min-pipeline-version")
			public, _ := cmd.Flags().GetBool("public")
			return postJSON(baseURL()+"/v1/projects/create", map[string]any{
				"name":               name,
				"slug":               slug,
				"iconUri":            iconURI,
				"ratelimit":          ratelimit,
				"minPipelineVersion": minVersion,
				"public":             public,
			})
		},
	}
	cmd.Flags().String("name", "", "Project name (required)")
	cmd.Flags().String("slug", "", "Short display slug (defaults to the name)")
	cmd.Flags().String("icon-uri", "", "Icon URI shown on dashboards")
	cmd.Flags().Int("ratelimit", 0, "Per-worker request rate limit (0 = unlimited)")
	cmd.Flags().Int("min-pipeline-version", 0, "Minimum client pipeline version (0 = any)")
	cmd.Flags().Bool("public", false, "List the project publicly")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON(baseURL() + "/v1/projects")
		},
	}
}

func newProjectPauseCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause handouts for a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			return postJSON(baseURL()+"/v1/projects/pause", map[string]string{"project": name})
		},
	}
	cmd.Flags().String("name", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectResumeCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume handouts for a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			return postJSON(baseURL()+"/v1/projects/resume", map[string]string{"project": name})
		},
	}
	cmd.Flags().String("name", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectCountsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Show item counts per lifecycle status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			return getJSON(baseURL() + "/v1/projects/counts?project=" + name)
		},
	}
	cmd.Flags().String("name", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
