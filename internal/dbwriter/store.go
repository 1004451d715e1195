// Package dbwriter owns the per-chain SQLite database and the goroutine
// that drains a chain's queue into it.
package dbwriter

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the per-chain SQLite database. One Store belongs to exactly
// one DB Writer; SetMaxOpenConns(1) makes that exclusivity explicit since
// SQLite serializes writers regardless.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if absent) the SQLite database for chainName
// under dataDir and initializes its schema.
func OpenStore(dataDir, chainName string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dataDir, fmt.Sprintf("substrate_%s.db", chainName))
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB, for callers that need raw access
// (tests, migrations).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS substrate_extrinsics (
		chain_id TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		block_hash TEXT NOT NULL,
		block_timestamp INTEGER NOT NULL,
		extrinsic_index INTEGER NOT NULL,
		extrinsic_hash TEXT NOT NULL,
		call_module TEXT NOT NULL,
		call_function TEXT NOT NULL,
		params TEXT NOT NULL,
		account_id TEXT NOT NULL,
		address TEXT NOT NULL,
		nonce INTEGER NOT NULL,
		fee TEXT NOT NULL,
		UNIQUE(chain_id, block_number, extrinsic_index)
	);

	CREATE INDEX IF NOT EXISTS idx_substrate_extrinsics_address ON substrate_extrinsics(address);
	CREATE INDEX IF NOT EXISTS idx_substrate_extrinsics_block ON substrate_extrinsics(chain_id, block_number);

	CREATE TABLE IF NOT EXISTS substrate_query_ranges (
		name TEXT PRIMARY KEY,
		start_ts INTEGER NOT NULL,
		end_ts INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// PersistedExtrinsic is one row of the substrate_extrinsics table.
type PersistedExtrinsic struct {
	ChainID        string
	BlockNumber    uint64
	BlockHash      string
	BlockTimestamp int64
	ExtrinsicIndex uint32
	ExtrinsicHash  string
	CallModule     string
	CallFunction   string
	ParamsJSON     string
	AccountID      string
	Address        string
	Nonce          uint64
	Fee            string
}

// InsertBatch inserts extrinsics in one transaction using insert-or-ignore
// semantics, so re-delivery of an already-persisted
// (chain_id, block_number, extrinsic_index) tuple is a no-op — fee is never
// updated after the first insert. It then folds rangesByAddress into the
// substrate_query_ranges table, merging with any existing watermark. Both
// steps commit together or not at all.
func (s *Store) InsertBatch(extrinsics []PersistedExtrinsic, rangesByAddress map[string][2]int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	insertStmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO substrate_extrinsics
			(chain_id, block_number, block_hash, block_timestamp, extrinsic_index,
			 extrinsic_hash, call_module, call_function, params, account_id, address, nonce, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer insertStmt.Close()

	for _, e := range extrinsics {
		if _, err := insertStmt.Exec(
			e.ChainID, e.BlockNumber, e.BlockHash, e.BlockTimestamp, e.ExtrinsicIndex,
			e.ExtrinsicHash, e.CallModule, e.CallFunction, e.ParamsJSON, e.AccountID, e.Address, e.Nonce, e.Fee,
		); err != nil {
			return fmt.Errorf("insert extrinsic %s/%d/%d: %w", e.ChainID, e.BlockNumber, e.ExtrinsicIndex, err)
		}
	}

	for address, r := range rangesByAddress {
		name := "substrate_extrinsics_" + address
		if err := s.mergeQueryRange(tx, name, r[0], r[1]); err != nil {
			return fmt.Errorf("update query range %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (s *Store) mergeQueryRange(tx *sql.Tx, name string, startTs, endTs int64) error {
	var existingStart, existingEnd int64
	err := tx.QueryRow(`SELECT start_ts, end_ts FROM substrate_query_ranges WHERE name = ?`, name).Scan(&existingStart, &existingEnd)
	switch err {
	case sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO substrate_query_ranges (name, start_ts, end_ts) VALUES (?, ?, ?)`, name, startTs, endTs)
		return err
	case nil:
		if startTs < existingStart {
			existingStart = startTs
		}
		if endTs > existingEnd {
			existingEnd = endTs
		}
		_, err = tx.Exec(`UPDATE substrate_query_ranges SET start_ts = ?, end_ts = ? WHERE name = ?`, existingStart, existingEnd, name)
		return err
	default:
		return err
	}
}

// QueryRange returns the persisted (start_ts, end_ts) watermark for address,
// and whether one exists.
func (s *Store) QueryRange(address string) (startTs, endTs int64, ok bool, err error) {
	name := "substrate_extrinsics_" + address
	err = s.db.QueryRow(`SELECT start_ts, end_ts FROM substrate_query_ranges WHERE name = ?`, name).Scan(&startTs, &endTs)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return startTs, endTs, true, nil
}
