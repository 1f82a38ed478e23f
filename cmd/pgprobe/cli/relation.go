package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pgprobe/pgprobe/internal/model"
)

func newRelationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "relation",
		Aliases: []string{"rel"},
		Short:   "Manage relation databags",
		Long: `Manage the credential databags a PostgreSQL provider publishes for each
relation endpoint. The server reads these at startup; changes made while a
server is running should go through the REST API instead.`,
	}

	cmd.AddCommand(newRelationAddCmd())
	cmd.AddCommand(newRelationListCmd())
	cmd.AddCommand(newRelationSetEndpointsCmd())
	cmd.AddCommand(newRelationRemoveCmd())

	return cmd
}

// ---------- relation add ----------

func newRelationAddCmd() *cobra.Command {
	var (
		database          string
		username          string
		password          string
		endpoints         string
		readOnlyEndpoints string
		extraUserRoles    string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a relation databag",
		Example: `  pgprobe relation add database --database app --username rel3 --endpoints pg:5432
  pgprobe relation add second-database --database app2 --username rel4 --endpoints pg:5432  # prompts for password`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelationAdd(args[0], database, username, password, endpoints, readOnlyEndpoints, extraUserRoles)
		},
	}

	cmd.Flags().StringVar(&database, "database", "", "Database name published by the provider (required)")
	cmd.Flags().StringVar(&username, "username", "", "Relation username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Relation password (prompted if omitted)")
	cmd.Flags().StringVar(&endpoints, "endpoints", "", "Read/write endpoints, host:port (required)")
	cmd.Flags().StringVar(&readOnlyEndpoints, "read-only-endpoints", "", "Read-only endpoints, host:port")
	cmd.Flags().StringVar(&extraUserRoles, "extra-user-roles", "", "Extra roles requested for the relation user")
	cmd.MarkFlagRequired("database")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("endpoints")

	return cmd
}

func runRelationAdd(name, database, username, password, endpoints, readOnlyEndpoints, extraUserRoles string) error {
	// Prompt for password if not provided
	if password == "" {
		fmt.Print("Password: ")
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()
		password = string(pwBytes)
	}

	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	rel := &model.Relation{
		Name:              name,
		Database:          database,
		Username:          username,
		Password:          password,
		Endpoints:         endpoints,
		ReadOnlyEndpoints: readOnlyEndpoints,
		ExtraUserRoles:    extraUserRoles,
	}
	if err := store.UpsertRelation(context.Background(), rel); err != nil {
		return fmt.Errorf("save relation: %w", err)
	}

	fmt.Printf("Saved relation %q\n", name)
	fmt.Printf("  database:  %s\n", database)
	fmt.Printf("  username:  %s\n", username)
	fmt.Printf("  endpoints: %s\n", endpoints)
	if readOnlyEndpoints != "" {
		fmt.Printf("  read-only: %s\n", readOnlyEndpoints)
	}
	return nil
}

// ---------- relation list ----------

func newRelationListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all relation databags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelationList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runRelationList(jsonOutput bool) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	rels, err := store.ListRelations(context.Background())
	if err != nil {
		return fmt.Errorf("list relations: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rels)
	}

	if len(rels) == 0 {
		fmt.Println("No relations configured. Use 'pgprobe relation add' to create one.")
		return nil
	}

	fmt.Printf("%-18s %-18s %-16s %-24s %-8s\n", "NAME", "DATABASE", "USERNAME", "ENDPOINTS", "READY")
	fmt.Printf("%-18s %-18s %-16s %-24s %-8s\n", "----", "--------", "--------", "---------", "-----")
	for _, r := range rels {
		ready := "yes"
		if !r.Ready() {
			ready = "no"
		}
		fmt.Printf("%-18s %-18s %-16s %-24s %-8s\n", r.Name, r.Database, r.Username, r.Endpoints, ready)
	}

	return nil
}

// ---------- relation set-endpoints ----------

func newRelationSetEndpointsCmd() *cobra.Command {
	var (
		endpoints         string
		readOnlyEndpoints string
	)

	cmd := &cobra.Command{
		Use:   "set-endpoints <name>",
		Short: "Replace the endpoints of an existing relation",
		Long: `Replace the endpoint lists of a relation databag, keeping its credentials.
This mirrors a provider republishing endpoints after a failover. A running
server picks the change up through the REST API, not this command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelationSetEndpoints(args[0], endpoints, readOnlyEndpoints)
		},
	}

	cmd.Flags().StringVar(&endpoints, "endpoints", "", "Read/write endpoints, host:port (required)")
	cmd.Flags().StringVar(&readOnlyEndpoints, "read-only-endpoints", "", "Read-only endpoints, host:port")
	cmd.MarkFlagRequired("endpoints")

	return cmd
}

func runRelationSetEndpoints(name, endpoints, readOnlyEndpoints string) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	rel, err := store.GetRelationByName(ctx, name)
	if err != nil {
		return fmt.Errorf("get relation: %w", err)
	}

	rel.Endpoints = endpoints
	rel.ReadOnlyEndpoints = readOnlyEndpoints
	if err := store.UpsertRelation(ctx, rel); err != nil {
		return fmt.Errorf("save relation: %w", err)
	}

	fmt.Printf("Updated endpoints for relation %q\n", name)
	fmt.Printf("  endpoints: %s\n", endpoints)
	if readOnlyEndpoints != "" {
		fmt.Printf("  read-only: %s\n", readOnlyEndpoints)
	}
	return nil
}

// ---------- relation remove ----------

func newRelationRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a relation databag",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelationRemove(args[0])
		},
	}
}

func runRelationRemove(name string) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	if err := store.DeleteRelation(context.Background(), name); err != nil {
		return fmt.Errorf("delete relation: %w", err)
	}

	fmt.Printf("Removed relation %q\n", name)
	return nil
}
