package probe

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
)

// MySQLChecker runs the virtual's request as a query over a single-connection
// pool; a non-empty result is a healthy backend. The pool is closed in both
// the success and the failure path; a close error is logged but does not
// change the outcome.
type MySQLChecker struct {
	global *config.GlobalConfig
	logger *zap.Logger
}

func (c *MySQLChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	if virtual.Login == "" {
		return &MissingParameterError{Probe: "mysql", Parameter: "login"}
	}
	if virtual.Database == "" {
		return &MissingParameterError{Probe: "mysql", Parameter: "database"}
	}
	if virtual.Request == "" {
		return &MissingParameterError{Probe: "mysql", Parameter: "request"}
	}

	timeout := virtual.EffectiveNegotiateTimeout(c.global)

	dsn := mysql.NewConfig()
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(real.IP.String(), strconv.Itoa(int(real.Port)))
	dsn.User = virtual.Login
	dsn.Passwd = virtual.Passwd
	dsn.DBName = virtual.Database
	dsn.Timeout = timeout
	dsn.ReadTimeout = timeout

	pool, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return fmt.Errorf("opening mysql pool for %s: %w", dsn.Addr, err)
	}
	pool.SetMaxOpenConns(1)
	defer func() {
		if err := pool.Close(); err != nil {
			c.logger.Error("closing the mysql connection pool failed", zap.Error(err))
		}
	}()

	return runRowQuery(ctx, pool, virtual.Request, timeout)
}

// runRowQuery executes the query and requires at least one row.
func runRowQuery(ctx context.Context, pool *sql.DB, query string, timeout time.Duration) error {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := pool.QueryContext(queryCtx, query)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reading query result: %w", err)
		}
		return &UnexpectedResultError{Detail: "got nothing, expected at least one row"}
	}
	return nil
}
