// Package runner implements the pluggable query-execution backends (C3):
// one Runner per source database family, selected by connection-string
// scheme. See spec §4.3 and §5.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sdwh/query-engine/internal/apperr"
)

// FetchBatchSize bounds how many rows a Runner pulls per round trip while
// streaming a result set to staging, so a single query can't hold a single
// giant in-memory batch.
const FetchBatchSize = 1000

// Runner executes one query against a decrypted source connection string
// and writes the results to a staging.Writer-backed file. Cancel asks the
// backend to abort whatever execution is currently running for runID; it
// returns apperr.ErrNotRunning if the backend has nothing live for that run
// (the benign race described in §4.7).
type Runner interface {
	ExecuteToFile(ctx context.Context, sourceConn, query string, runID int64, queryGUID, outPath string) error
	Cancel(ctx context.Context, sourceConn string, runID int64) error
}

// RunnerFactory is implemented by Factory; callers that need to substitute a
// fake Runner in tests depend on this interface instead of the concrete
// type.
type RunnerFactory interface {
	New(sourceConn string) (Runner, error)
}

// Factory resolves a Runner by the scheme of a source connection string.
// The table is closed deliberately: adding a backend means adding a case
// here, not registering one from elsewhere in the program.
type Factory struct{}

func NewFactory() Factory { return Factory{} }

func (Factory) New(sourceConn string) (Runner, error) {
	scheme, err := schemeOf(sourceConn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "postgresql", "postgres":
		return NewPostgresRunner(), nil
	case "clickhouse":
		return NewClickHouseRunner(), nil
	default:
		return nil, apperr.New(apperr.Internal, fmt.Sprintf("unknown source scheme %q", scheme))
	}
}

func schemeOf(sourceConn string) (string, error) {
	u, err := url.Parse(sourceConn)
	if err != nil || u.Scheme == "" {
		return "", apperr.New(apperr.Internal, "malformed source connection string")
	}
	return strings.ToLower(u.Scheme), nil
}

// appID derives the per-run tag used for application_name / query_id so
// Cancel can find the right backend-native execution, per the glossary's
// "Application tag" (`sdwh_<id>`, keyed off the run id, not its guid).
func appID(runID int64) string {
	return fmt.Sprintf("sdwh_%d", runID)
}
