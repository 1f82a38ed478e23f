package relation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pgprobe/pgprobe/internal/model"
)

// ErrNotReady is returned when a relation's databag is missing the fields
// needed to build a connection string (no credentials, or no endpoint
// published yet).
var ErrNotReady = errors.New("relation databag incomplete")

// ErrNoReadOnlyEndpoint is returned when a read-only connection is requested
// but the provider publishes no replica endpoints.
var ErrNoReadOnlyEndpoint = errors.New("relation has no read-only endpoints")

// WriterDSN builds the connection string the continuous-writes engine uses:
// the relation's own database on the read/write primary, with a 5 second
// connect timeout so a failing-over primary does not wedge the loop.
func WriterDSN(rel *model.Relation) (string, error) {
	if !rel.Ready() {
		return "", ErrNotReady
	}

	host, port, err := splitEndpoint(rel.PrimaryEndpoint())
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("dbname=%s user=%s host=%s password=%s port=%s connect_timeout=5",
		quote(rel.Database), quote(rel.Username), quote(host), quote(rel.Password), port), nil
}

// ConnectDSN builds the connection string for the run-sql and test-tls
// actions. The database name is caller-supplied; when readonly is set the
// query is routed to the first replica endpoint and the "<dbname>_readonly"
// database. TLS connections require sslmode=require so a non-TLS listener
// fails the handshake instead of silently downgrading.
func ConnectDSN(rel *model.Relation, dbname string, readonly, tls bool) (string, error) {
	if rel.Username == "" || rel.Password == "" {
		return "", ErrNotReady
	}

	endpoint := rel.PrimaryEndpoint()
	if readonly {
		endpoint = rel.ReplicaEndpoint()
		if endpoint == "" {
			return "", ErrNoReadOnlyEndpoint
		}
		dbname += "_readonly"
	}

	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return "", err
	}

	dsn := fmt.Sprintf("dbname=%s user=%s host=%s port=%s password=%s connect_timeout=1",
		quote(dbname), quote(rel.Username), quote(host), port, quote(rel.Password))
	if tls {
		dsn += " sslmode=require"
	}
	return dsn, nil
}

func splitEndpoint(endpoint string) (host, port string, err error) {
	host, port, ok := strings.Cut(endpoint, ":")
	if !ok || host == "" || port == "" {
		return "", "", fmt.Errorf("malformed endpoint %q (want host:port)", endpoint)
	}
	return host, port, nil
}

// quote wraps a value in single quotes for keyword/value connection strings,
// escaping backslashes and embedded quotes.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
