package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgprobe/pgprobe/internal/model"
)

func newActionCmd() *cobra.Command {
	var (
		serverURL string
		apiKey    string
	)

	cmd := &cobra.Command{
		Use:   "action",
		Short: "Run operator actions against a running server",
		Long: `Invoke the operator actions over the REST API of a running pgprobe server.
Authentication uses an API key (--api-key flag or PGPROBE_API_KEY env var).`,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Base URL of the pgprobe server")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (defaults to PGPROBE_API_KEY)")

	client := func() *actionClient {
		key := apiKey
		if key == "" {
			key = os.Getenv("PGPROBE_API_KEY")
		}
		return &actionClient{baseURL: serverURL, apiKey: key}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start-continuous-writes",
		Short: "Start the continuous-writes workload from 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/v1/actions/start-continuous-writes", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop-continuous-writes",
		Short: "Stop the workload and report the last number written",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/v1/actions/stop-continuous-writes", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear-continuous-writes",
		Short: "Stop the workload and drop its table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/v1/actions/clear-continuous-writes", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show-continuous-writes",
		Short: "Show how many rows the workload has committed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().get("/v1/actions/show-continuous-writes")
		},
	})
	cmd.AddCommand(newActionRunSQLCmd(client))
	cmd.AddCommand(newActionTestTLSCmd(client))
	cmd.AddCommand(&cobra.Command{
		Use:   "writer-status",
		Short: "Show the write engine state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().get("/v1/actions/writer-status")
		},
	})

	return cmd
}

func newActionRunSQLCmd(client func() *actionClient) *cobra.Command {
	var (
		dbname       string
		relationName string
		readonly     bool
	)

	cmd := &cobra.Command{
		Use:   "run-sql <query>",
		Short: "Execute a SQL statement over a database relation",
		Example: `  pgprobe action run-sql "SELECT version();" --dbname app
  pgprobe action run-sql "SELECT 1;" --dbname app --relation second-database --readonly`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/v1/actions/run-sql", model.RunSQLRequest{
				DBName:       dbname,
				Query:        args[0],
				RelationName: relationName,
				Readonly:     readonly,
			})
		},
	}

	cmd.Flags().StringVar(&dbname, "dbname", "", "Database to run the query against (required)")
	cmd.Flags().StringVar(&relationName, "relation", model.FirstDatabase, "Relation endpoint to use")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "Route the query to a read-only endpoint")
	cmd.MarkFlagRequired("dbname")

	return cmd
}

func newActionTestTLSCmd(client func() *actionClient) *cobra.Command {
	var (
		dbname       string
		relationName string
		readonly     bool
	)

	cmd := &cobra.Command{
		Use:   "test-tls",
		Short: "Check whether a relation endpoint accepts TLS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/v1/actions/test-tls", model.TestTLSRequest{
				DBName:       dbname,
				RelationName: relationName,
				Readonly:     readonly,
			})
		},
	}

	cmd.Flags().StringVar(&dbname, "dbname", "", "Database to connect to (required)")
	cmd.Flags().StringVar(&relationName, "relation", model.FirstDatabase, "Relation endpoint to use")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "Check a read-only endpoint")
	cmd.MarkFlagRequired("dbname")

	return cmd
}

// actionClient is a thin HTTP client for the actions API.
type actionClient struct {
	baseURL string
	apiKey  string
}

func (c *actionClient) get(path string) error {
	return c.do(http.MethodGet, path, nil)
}

func (c *actionClient) post(path string, payload interface{}) error {
	return c.do(http.MethodPost, path, payload)
}

func (c *actionClient) do(method, path string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		header := viper.GetString("auth.api_key_header")
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.apiKey)
	}

	// stop-continuous-writes can wait up to a minute for the last write
	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// Pretty-print JSON responses, fall back to raw output.
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(out))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
