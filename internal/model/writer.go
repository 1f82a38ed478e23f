package model

import "time"

// WriterStatus is a point-in-time snapshot of the continuous-writes engine.
type WriterStatus struct {
	Running     bool      `json:"running"`
	LastWritten int64     `json:"last_written"`
	StartedAt   time.Time `json:"started_at,omitzero"`
}

// ActionResult is the envelope returned by the boolean operator actions
// (start-continuous-writes, clear-continuous-writes).
type ActionResult struct {
	Result bool `json:"result"`
}

// WritesResult is the envelope returned by the counting operator actions
// (stop-continuous-writes, show-continuous-writes). Writes is -1 when the
// value could not be determined.
type WritesResult struct {
	Writes int64 `json:"writes"`
}

// RunSQLRequest carries the parameters of the run-sql action. RelationName
// must be one of the database relations; Readonly routes the query to the
// first read-only endpoint and the "<dbname>_readonly" database.
type RunSQLRequest struct {
	DBName       string `json:"dbname"`
	Query        string `json:"query"`
	RelationName string `json:"relation-name"`
	Readonly     bool   `json:"readonly"`
}

// RunSQLResult holds the JSON-encoded rows returned by run-sql. Query
// execution errors are reported inside Results as a one-element list holding
// the error string, not as an action failure.
type RunSQLResult struct {
	Results string `json:"results"`
}

// TestTLSRequest carries the parameters of the test-tls action.
type TestTLSRequest struct {
	DBName       string `json:"dbname"`
	RelationName string `json:"relation-name"`
	Readonly     bool   `json:"readonly"`
}

// TestTLSResult reports whether a TLS-required connection succeeded, as the
// strings "true" or "false".
type TestTLSResult struct {
	Results string `json:"results"`
}
