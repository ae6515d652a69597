/*
main.go - Application entry point

PURPOSE:
  Runs the HRIS approval engine: HTTP API, reminder job and event
  publishing on top of the configured store.

COMMANDS:
  serve     Start the HTTP server (default when no command is given)
  migrate   Create or upgrade the database schema and exit

CONFIGURATION:
  defaults < config.yaml < HRIS_* environment < command-line flags
  See config/loader.go for the search path and keys.

STARTUP SEQUENCE (serve):
  1. Load config, initialize logging and (optionally) tracing
  2. Open the store for database.driver
  3. Build org directory, policies, engine, payroll and leave services
  4. Connect to NATS when nats.url is set
  5. Start the reminder scheduler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the reminder scheduler
  4. Flush traces, drain NATS, close the database

EXAMPLES:
  # SQLite file database
  ./server serve --db-path=./data/approvals.db

  # In-memory, demo scenarios enabled
  ./server serve --db-driver=memory --scenarios

  # PostgreSQL
  HRIS_DATABASE_DSN=postgres://localhost/hris ./server migrate --db-driver=postgres

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
*/
package main

import (
	"os"
)

// Version information (set at build time)
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
