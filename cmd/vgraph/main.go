// Package main provides the vgraph CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vgraph/api"
	"vgraph/client"
	"vgraph/config"
)

// Version is the current vgraph CLI version
var Version = "0.1.0"

var (
	serverURL    string
	actorFlag    string
	tokenFlag    string
	outputFormat string
	workspaceID  string

	statusFilter []string
	baseID       string

	configPath string
	tokenTTL   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "vgraph",
	Short:         "vgraph - change sets over a versioned workspace graph",
	Long:          `vgraph talks to a vgraphd server to create workspaces and drive change sets through review and apply.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command groups for organized help output
const (
	groupWorkspace = "workspace"
	groupChangeSet = "changeset"
	groupAdmin     = "admin"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the server is up",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workspace with its HEAD change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceCreate,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var changeSetCmd = &cobra.Command{
	Use:     "changeset",
	Aliases: []string{"cs"},
	Short:   "Manage change sets",
}

var changeSetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change sets (active ones unless --status is given)",
	Args:  cobra.NoArgs,
	RunE:  runChangeSetList,
}

var changeSetCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a change set forked from HEAD or --base",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeSetCreate,
}

var changeSetShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeSetShow,
}

var changeSetDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show the updates a change set would apply to its base",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeSetDiff,
}

var changeSetHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a change set's history",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeSetHistory,
}

var changeSetRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a change set",
	Args:  cobra.ExactArgs(2),
	RunE:  runChangeSetRename,
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Sign a bearer token with the server's auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("VGRAPH_SERVER", client.DefaultServer), "Server URL")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", os.Getenv("USER"), "Actor name when the server runs without auth")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", os.Getenv("VGRAPH_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "Output format: yaml or json")

	changeSetCmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", os.Getenv("VGRAPH_WORKSPACE"), "Workspace ID")
	changeSetListCmd.Flags().StringSliceVar(&statusFilter, "status", nil, "Statuses to list (comma separated)")
	changeSetCreateCmd.Flags().StringVar(&baseID, "base", "", "Base change set ID (default: HEAD)")

	tokenCmd.Flags().StringVar(&configPath, "config", "", "Server config file")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	workspaceCmd.AddCommand(workspaceCreateCmd, workspaceListCmd)
	changeSetCmd.AddCommand(
		changeSetListCmd,
		changeSetCreateCmd,
		changeSetShowCmd,
		changeSetDiffCmd,
		changeSetHistoryCmd,
		changeSetRenameCmd,
	)
	for _, action := range client.Actions {
		changeSetCmd.AddCommand(actionCommand(action))
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: groupWorkspace, Title: "Workspaces:"},
		&cobra.Group{ID: groupChangeSet, Title: "Change sets:"},
		&cobra.Group{ID: groupAdmin, Title: "Administration:"},
	)
	workspaceCmd.GroupID = groupWorkspace
	changeSetCmd.GroupID = groupChangeSet
	healthCmd.GroupID = groupAdmin
	tokenCmd.GroupID = groupAdmin

	rootCmd.AddCommand(healthCmd, workspaceCmd, changeSetCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client.Client {
	c := client.New(serverURL)
	c.Actor = actorFlag
	c.AuthToken = tokenFlag
	return c
}

func requireWorkspace() error {
	if workspaceID == "" {
		return errors.New("no workspace: pass --workspace or set VGRAPH_WORKSPACE")
	}
	return nil
}

// actionCommand builds the subcommand for one lifecycle action.
func actionCommand(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: "Run " + strings.ReplaceAll(action, "-", " ") + " on a change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireWorkspace(); err != nil {
				return err
			}
			cs, err := newClient().Action(cmd.Context(), workspaceID, args[0], action)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cs)
		},
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := newClient().Health(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), health)
}

func runWorkspaceCreate(cmd *cobra.Command, args []string) error {
	resp, err := newClient().CreateWorkspace(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), resp)
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	list, err := newClient().ListWorkspaces(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), list)
}

func runChangeSetList(cmd *cobra.Command, args []string) error {
	if err := requireWorkspace(); err != nil {
		return err
	}
	list, err := newClient().ListChangeSets(cmd.Context(), workspaceID, statusFilter...)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), list)
}

func runChangeSetCreate(cmd *cobra.Command, args []string) error {
	if err := requireWorkspace(); err != nil {
		return err
	}
	cs, err := newClient().CreateChangeSet(cmd.Context(), workspaceID, args[0], baseID)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), cs)
}

func runChangeSetShow(cmd *cobra.Command, args []string) error {
	if err := requireWorkspace(); err != nil {
		return err
	}
	cs, err := newClient().GetChangeSet(cmd.Context(), workspaceID, args[0])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), cs)
}

func runChangeSetDiff(cmd *cobra.Command, args []string) error {
	if err := requireWorkspace(); err != nil {
		return err
	}
	diff, err := newClient().Diff(cmd.Context(), workspaceID, args[0])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), diff)
}

func runChangeSetHistory(cmd *cobra.Command, args []string) error {
	if err := requireWorkspace(); err != nil {
		return err
	}
	entries, err := newClient().History(cmd.Context(), workspaceID, args[0])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), entries)
}

func runChangeSetRename(cmd *cobra.Command, args []string) error {
	if err := requireWorkspace(); err != nil {
		return err
	}
	cs, err := newClient().Rename(cmd.Context(), workspaceID, args[0], args[1])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), cs)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is disabled: set auth.jwt_secret or %s", config.EnvVar("auth.jwt_secret"))
	}
	token, err := api.NewTokenService([]byte(cfg.Auth.JWTSecret), "vgraph").GenerateToken(args[0], tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// render writes v as YAML or JSON. YAML keys follow the JSON field names.
func render(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(json.RawMessage(data))
	case "yaml", "":
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return err
		}
		blockStyle(&node)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", outputFormat)
}

// blockStyle drops the flow and quoting styles JSON input parses into.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// executeContext runs the root command with args; used by tests.
func executeContext(ctx context.Context, out io.Writer, args ...string) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	return rootCmd.ExecuteContext(ctx)
}
