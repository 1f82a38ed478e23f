package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pgprobe configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default pgprobe.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

const defaultConfig = `# pgprobe Configuration

server:
  host: 0.0.0.0
  port: 8080
  shutdown_timeout: 30s
  requests_per_minute: 300
  cors:
    origins:
      - "*"

# Relation databags published by a PostgreSQL provider. Entries here are
# upserted into the state store at startup; use the REST API for changes
# while the server is running.
relations: []
  # - name: database
  #   database: application
  #   username: relation-3
  #   password: ${PGPROBE_DB_PASSWORD}
  #   endpoints: postgres-host:5432
  #   read_only_endpoints: postgres-replica:5432

# Continuous-writes engine
writer:
  sleep_interval: 0s     # pause between writes; 0 writes as fast as accepted
  attempt_timeout: 10s   # a write slower than this is retried with the same number
  stall_interval: 30s    # back-off after a connection failure (failover window)

# Authentication
auth:
  jwt_secret: ""  # Set via PGPROBE_AUTH_JWT_SECRET env var
  jwt_expiry: 24h
  api_key_header: X-API-Key

# Logging
logging:
  level: info    # debug, info, warn, error
  format: text   # text or json
`

func runConfigInit(force bool) error {
	path := "pgprobe.yaml"

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Edit the file to add your relation databags, then run 'pgprobe serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigShow() error {
	// Ensure config is loaded
	initConfig()

	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("Config file: %s\n", configFile)
	} else {
		fmt.Println("Config file: (none found, using defaults)")
	}
	fmt.Println()

	// Print all settings
	settings := viper.AllSettings()
	if len(settings) == 0 {
		fmt.Println("No configuration settings loaded.")
		fmt.Println("Run 'pgprobe config init' to create a default configuration file.")
		return nil
	}

	for key, value := range settings {
		fmt.Printf("  %s: %v\n", key, value)
	}

	return nil
}
