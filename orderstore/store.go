package orderstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/database"
)

const keySchemaVersion = "schema_version"

// Store is the durable order record store. All coordinator progress is
// checkpointed here before and after each ledger write; writes are
// atomic with respect to the store.
type Store struct {
	db        *sql.DB
	ownsDB    bool
	stmtCache *database.StmtCache
}

func NewStore(driverName, dataSourceName string) (*Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serializes writers anyway, and a pooled
	// :memory: source would otherwise split into separate databases
	db.SetMaxOpenConns(1)

	st, err := NewStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	st.ownsDB = true

	return st, nil
}

func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(ordersTable + stepsTable + kvTable); err != nil {
		return nil, err
	}

	st := &Store{
		db:        db,
		stmtCache: database.NewStmtCache(db),
	}

	if err := st.checkSchemaVersion(); err != nil {
		return nil, err
	}

	return st, nil
}

// checkSchemaVersion refuses to open a store written by a newer
// coordinator; it never silently truncates.
func (st *Store) checkSchemaVersion() error {
	var value string
	err := st.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, keySchemaVersion).Scan(&value)
	if err == sql.ErrNoRows {
		_, err = st.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`,
			keySchemaVersion, strconv.Itoa(SchemaVersion))
		return err
	}
	if err != nil {
		return err
	}

	stored, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("stored schema version %q: %w", value, err)
	}
	if stored > SchemaVersion {
		return fmt.Errorf("%w: store v%d, coordinator v%d", ErrNewerSchema, stored, SchemaVersion)
	}

	return nil
}

func (st *Store) Close() error {
	st.stmtCache.Clear()
	if st.ownsDB {
		return st.db.Close()
	}
	return nil
}

func (st *Store) InsertOrder(o *Order) error {
	if o.Status != StatusCreated {
		return ErrNotCreated
	}
	o.Version = SchemaVersion

	record, err := json.Marshal(o)
	if err != nil {
		return err
	}

	query := `INSERT INTO orders (orderId, schemaVersion, status, createdAtMs, expiresAtMs, record)
		VALUES (?, ?, ?, ?, ?, ?)`
	stmt := st.stmtCache.MustPrepare(query)

	_, err = stmt.Exec(o.IDHex(), o.Version, string(o.Status), o.CreatedAtMs, o.ExpiresAtMs, record)
	return err
}

// UpdateOrder replaces the whole record in one statement. The status
// transition must be legal on the order DAG.
func (st *Store) UpdateOrder(o *Order) error {
	stored, ok, err := st.GetOrder(o.ID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	if stored.Status != o.Status && !CanTransition(stored.Status, o.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, stored.Status, o.Status)
	}

	record, err := json.Marshal(o)
	if err != nil {
		return err
	}

	query := `UPDATE orders SET status = ?, expiresAtMs = ?, record = ? WHERE orderId = ?`
	stmt := st.stmtCache.MustPrepare(query)

	_, err = stmt.Exec(string(o.Status), o.ExpiresAtMs, record, o.IDHex())
	return err
}

func (st *Store) GetOrder(id [32]byte) (*Order, bool, error) {
	query := `SELECT record FROM orders WHERE orderId = ?`
	stmt := st.stmtCache.MustPrepare(query)

	var record []byte
	err := stmt.QueryRow(common.Bytes32ToHexStr(id)).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	o := &Order{}
	if err := json.Unmarshal(record, o); err != nil {
		return nil, false, err
	}

	return o, true, nil
}

func (st *Store) GetByStatus(status Status) ([]*Order, error) {
	query := `SELECT record FROM orders WHERE status = ? ORDER BY createdAtMs`
	stmt := st.stmtCache.MustPrepare(query)

	rows, err := stmt.Query(string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetNonTerminal returns every order the coordinator must resume after
// a restart.
func (st *Store) GetNonTerminal() ([]*Order, error) {
	query := `SELECT record FROM orders
		WHERE status NOT IN ('completed', 'refunded', 'failed', 'expired')
		ORDER BY createdAtMs`
	stmt := st.stmtCache.MustPrepare(query)

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		o := &Order{}
		if err := json.Unmarshal(record, o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// PruneTerminal garbage-collects terminal orders older than the
// retention window. Frozen records are kept for human review.
func (st *Store) PruneTerminal(nowMs, retentionMs uint64) (int64, error) {
	if nowMs < retentionMs {
		return 0, nil
	}
	cutoff := nowMs - retentionMs

	query := `DELETE FROM orders
		WHERE status IN ('completed', 'refunded', 'failed', 'expired')
		AND createdAtMs < ?
		AND orderId NOT IN (
			SELECT orderId FROM orders WHERE record LIKE '%"frozen":true%'
		)`
	res, err := st.db.Exec(query, cutoff)
	if err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		_, err = st.db.Exec(`DELETE FROM steps WHERE orderId NOT IN (SELECT orderId FROM orders)`)
	}

	return n, err
}

// EnsureStep returns the nonce checkpointed for (order, step),
// creating it on first call. A repeated attempt after a crash gets the
// same nonce back, so the ledger write cannot be double-submitted.
func (st *Store) EnsureStep(orderID [32]byte, stepName string, nowMs uint64) (nonce [32]byte, existed bool, err error) {
	idHex := common.Bytes32ToHexStr(orderID)

	err = database.WithTx(st.db, func(tx *sql.Tx) error {
		var nonceHex string
		scanErr := tx.QueryRow(
			`SELECT nonce FROM steps WHERE orderId = ? AND stepName = ?`, idHex, stepName,
		).Scan(&nonceHex)

		if scanErr == nil {
			nonce = common.HexStrToBytes32(nonceHex)
			existed = true
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return scanErr
		}

		nonce = common.RandBytes32()
		_, insErr := tx.Exec(
			`INSERT INTO steps (orderId, stepName, nonce, startedAtMs) VALUES (?, ?, ?, ?)`,
			idHex, stepName, common.Bytes32ToHexStr(nonce), nowMs,
		)
		return insErr
	})

	return nonce, existed, err
}

// CompleteStep marks a checkpoint done after the ledger write landed.
func (st *Store) CompleteStep(orderID [32]byte, stepName string, doneAtMs uint64) error {
	query := `UPDATE steps SET doneAtMs = ? WHERE orderId = ? AND stepName = ?`
	stmt := st.stmtCache.MustPrepare(query)

	_, err := stmt.Exec(doneAtMs, common.Bytes32ToHexStr(orderID), stepName)
	return err
}

// StepDone reports whether a checkpoint both exists and completed.
func (st *Store) StepDone(orderID [32]byte, stepName string) (bool, error) {
	query := `SELECT doneAtMs IS NOT NULL FROM steps WHERE orderId = ? AND stepName = ?`
	stmt := st.stmtCache.MustPrepare(query)

	var done bool
	err := stmt.QueryRow(common.Bytes32ToHexStr(orderID), stepName).Scan(&done)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return done, nil
}
