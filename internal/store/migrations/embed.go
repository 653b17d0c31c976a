// Package migrations embeds the SQL schema files applied by the migrate
// subcommand.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_tasks.sql",
	"002_create_task_attempts.sql",
	"003_create_pipeline_runs.sql",
	"004_create_dlq_items.sql",
}
