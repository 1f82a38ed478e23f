package model

import (
	"strings"
	"time"
)

// Endpoint names declared by the probe. FirstDatabase and SecondDatabase are
// the only relations run-sql and test-tls accept; the cluster endpoints exist
// to exercise multi-cluster provider setups and NoDatabase covers the case
// where no database name is requested at all.
const (
	FirstDatabase    = "database"
	SecondDatabase   = "second-database"
	ClusterDatabases = "multiple-database-clusters"
	AliasedClusters  = "aliased-multiple-database-clusters"
	NoDatabase       = "no-database"
	LegacyDB         = "db"
)

// Relation holds the credentials and endpoints a PostgreSQL provider hands
// out for one named endpoint. Endpoints and ReadOnlyEndpoints are
// comma-separated host:port lists; the first entry of Endpoints is the
// read/write primary.
type Relation struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Alias             string    `json:"alias,omitempty" db:"alias"`
	Database          string    `json:"database" db:"database_name"`
	Username          string    `json:"username" db:"username"`
	Password          string    `json:"-" db:"password"` // never expose in API responses
	Endpoints         string    `json:"endpoints" db:"endpoints"`
	ReadOnlyEndpoints string    `json:"read_only_endpoints" db:"read_only_endpoints"`
	ExtraUserRoles    string    `json:"extra_user_roles" db:"extra_user_roles"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// PrimaryEndpoint returns the first read/write endpoint, or "" when none
// has been published yet.
func (r *Relation) PrimaryEndpoint() string {
	return firstEndpoint(r.Endpoints)
}

// ReplicaEndpoint returns the first read-only endpoint, or "" when the
// provider publishes no replicas.
func (r *Relation) ReplicaEndpoint() string {
	return firstEndpoint(r.ReadOnlyEndpoints)
}

func firstEndpoint(list string) string {
	first, _, _ := strings.Cut(list, ",")
	return strings.TrimSpace(first)
}

// Ready reports whether the provider has published enough databag fields to
// build a connection string.
func (r *Relation) Ready() bool {
	host, _, _ := strings.Cut(r.PrimaryEndpoint(), ":")
	if host == "" || host == "None" {
		return false
	}
	return r.Username != "" && r.Password != ""
}
