package repositories

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestDB opens an isolated in-memory sqlite database and lays down the
// engine's tables by hand, matching the teacher's
// repositories_test_helper.go newTestDB/mustExec/raw-DDL pattern.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err, "open sqlite")

	createTransactionsTable(t, db)
	createWebhookLogsTable(t, db)
	createAuditLogsTable(t, db)
	createDispatchLogsTable(t, db)
	createOutboxEventsTable(t, db)

	return db
}

func mustExec(t *testing.T, db *gorm.DB, q string, args ...interface{}) {
	t.Helper()
	require.NoError(t, db.Exec(q, args...).Error, "exec failed: query=%s", q)
}

func createTransactionsTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE transactions (
		id TEXT PRIMARY KEY,
		application_ref TEXT UNIQUE NOT NULL,
		provider_ref TEXT,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		amount INTEGER,
		currency TEXT,
		verification_method TEXT,
		metadata TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		provider_created_at DATETIME
	);`)
	mustExec(t, db, `CREATE UNIQUE INDEX idx_tx_provider_ref ON transactions(provider, provider_ref) WHERE provider_ref IS NOT NULL;`)
}

func createWebhookLogsTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE webhook_logs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		transaction_id TEXT,
		event_type TEXT,
		normalized_event TEXT,
		raw_payload BLOB,
		headers BLOB,
		signature_valid BOOLEAN,
		processing_status TEXT,
		received_at DATETIME,
		processing_duration_ms INTEGER,
		error_message TEXT
	);`)
	mustExec(t, db, `CREATE UNIQUE INDEX idx_webhook_provider_event ON webhook_logs(provider, provider_event_id);`)
	mustExec(t, db, `CREATE INDEX idx_webhook_transaction ON webhook_logs(transaction_id);`)
}

func createAuditLogsTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE audit_logs (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT,
		trigger_type TEXT,
		webhook_log_id TEXT,
		reconciliation_result TEXT,
		metadata TEXT,
		created_at DATETIME
	);`)
	mustExec(t, db, `CREATE INDEX idx_audit_transaction ON audit_logs(transaction_id);`)
}

func createDispatchLogsTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE dispatch_logs (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		event_type TEXT,
		handler_name TEXT,
		status TEXT,
		is_replay BOOLEAN,
		error_message TEXT,
		dispatched_at DATETIME
	);`)
	mustExec(t, db, `CREATE INDEX idx_dispatch_transaction ON dispatch_logs(transaction_id);`)
}

func createOutboxEventsTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		event_type TEXT,
		payload TEXT,
		status TEXT,
		created_at DATETIME,
		processed_at DATETIME
	);`)
	mustExec(t, db, `CREATE INDEX idx_outbox_status_created ON outbox_events(status, created_at);`)
}
