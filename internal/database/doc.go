/*
Package database provides GORM-based connection pool management with health
checks, stats collection and transaction retry.

# Overview

PoolManager wraps GORM and database/sql's connection pool configuration,
unifying connection lifecycle, idle reclamation and max-connection limits.
A background health check pings on an interval and reports diagnostics
through zap on failure.

# Core types

  - PoolManager: holds the GORM DB instance and underlying sql.DB, exposing
    DB(), Ping(), Stats(), Close() lifecycle methods.
  - PoolConfig: max idle/open connections, connection max lifetime, idle
    timeout and health-check interval.
  - PoolStats: a JSON-friendly view of pool statistics.
  - TransactionFunc: a transaction callback type.

# Capabilities

  - Pool tuning via MaxIdleConns/MaxOpenConns/ConnMaxLifetime.
  - Health checks: a background PingContext loop reporting connection and
    idle counts.
  - Transactions: WithTransaction runs a single transaction;
    WithTransactionRetry adds exponential backoff retry for deadlocks and
    serialization failures.
  - GetStats returns structured pool runtime metrics.
*/
package database
