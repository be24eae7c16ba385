package orderstore

var (
	// one row per order; the full record is canonical JSON, the
	// indexed columns are what the coordinator queries by
	ordersTable = `CREATE TABLE IF NOT EXISTS orders (
		orderId CHAR(66) PRIMARY KEY NOT NULL,
		schemaVersion INTEGER NOT NULL,
		status VARCHAR(16) NOT NULL,
		createdAtMs BIGINT UNSIGNED NOT NULL,
		expiresAtMs BIGINT UNSIGNED NOT NULL,
		record BLOB NOT NULL,
		CONSTRAINT chk_status CHECK (status IN (
			'created', 'a_locked', 'both_locked', 'b_claimed', 'a_claimed',
			'completed', 'refund_pending', 'refunded', 'failed', 'expired'
		))
	);`

	// idempotence checkpoints: one row per (order, step) with the
	// coordinator-generated nonce for that ledger write
	stepsTable = `CREATE TABLE IF NOT EXISTS steps (
		orderId CHAR(66) NOT NULL,
		stepName VARCHAR(32) NOT NULL,
		nonce CHAR(66) NOT NULL,
		startedAtMs BIGINT UNSIGNED NOT NULL,
		doneAtMs BIGINT UNSIGNED,
		PRIMARY KEY (orderId, stepName)
	);`

	// key-value pairs, both sides plain strings
	kvTable = `CREATE TABLE IF NOT EXISTS kv (
		key VARCHAR(64) PRIMARY KEY NOT NULL,
		value VARCHAR(128) NOT NULL
	);`
)
