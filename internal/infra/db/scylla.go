package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/call-routing/internal/config"
)

// Scylla owns the gocql session backing the decision log.
type Scylla struct {
	session *gocql.Session
}

// NewScylla connects to the cluster. Reads and writes are token aware so a
// call's decision partition is served by a replica directly.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	consistency, err := parseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        50 * time.Millisecond,
		Max:        time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the coordinator.
func (s *Scylla) Ping(ctx context.Context) error {
	if err := s.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: ping: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "local_quorum":
		return gocql.LocalQuorum, nil
	case "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_one":
		return gocql.LocalOne, nil
	case "each_quorum":
		return gocql.EachQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return 0, fmt.Errorf("scylla: unknown consistency %q", level)
	}
}
