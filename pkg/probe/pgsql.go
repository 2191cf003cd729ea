package probe

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
)

// PgSQLChecker mirrors MySQLChecker for PostgreSQL: run the virtual's request
// over a single-connection pool and require a non-empty result.
type PgSQLChecker struct {
	global *config.GlobalConfig
	logger *zap.Logger
}

func (c *PgSQLChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	if virtual.Login == "" {
		return &MissingParameterError{Probe: "pgsql", Parameter: "login"}
	}
	if virtual.Database == "" {
		return &MissingParameterError{Probe: "pgsql", Parameter: "database"}
	}
	if virtual.Request == "" {
		return &MissingParameterError{Probe: "pgsql", Parameter: "request"}
	}

	timeout := virtual.EffectiveNegotiateTimeout(c.global)
	port := virtual.CheckPortFor(real)

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s connect_timeout=%d sslmode=disable",
		real.IP.String(), port, virtual.Login, virtual.Passwd, virtual.Database,
		int(timeout.Seconds()),
	)

	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("opening postgres pool for %s:%d: %w", real.IP, port, err)
	}
	pool.SetMaxOpenConns(1)
	defer func() {
		if err := pool.Close(); err != nil {
			c.logger.Error("closing the postgres connection pool failed", zap.Error(err))
		}
	}()

	return runRowQuery(ctx, pool, virtual.Request, timeout)
}
