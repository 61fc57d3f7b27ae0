package settler

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Store is the durable ledger. Every settlement and both of its legs are
// persisted here before any work is dispatched, and every status transition
// appends to the status_history table. Rows are archived, never deleted.
type Store struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewStore(db *sql.DB, logger *zerolog.Logger) (*Store, error) {
	if err := InitDB(db); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func InitDB(db *sql.DB) error {
	// WAL keeps the status query endpoint readable while workers write
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			id TEXT PRIMARY KEY,
			source_chain TEXT NOT NULL,
			dest_chain TEXT NOT NULL,
			amount TEXT NOT NULL,
			asset TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			escalated BOOLEAN NOT NULL DEFAULT 0,
			archived BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_updated_at ON settlements(updated_at)`,

		`CREATE TABLE IF NOT EXISTS transfer_legs (
			settlement_id TEXT PRIMARY KEY REFERENCES settlements(id),
			burn_tx_hash TEXT NOT NULL DEFAULT '',
			burn_height INTEGER NOT NULL DEFAULT 0,
			attestation_id TEXT NOT NULL DEFAULT '',
			attestation BLOB,
			mint_tx_hash TEXT NOT NULL DEFAULT '',
			mint_attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS message_legs (
			settlement_id TEXT PRIMARY KEY REFERENCES settlements(id),
			channel TEXT NOT NULL,
			send_tx_hash TEXT NOT NULL DEFAULT '',
			sequence INTEGER NOT NULL DEFAULT -1,
			exec_tx_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			settlement_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			old_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_settlement ON status_history(settlement_id)`,

		// highest delivery sequence observed per source->dest channel
		`CREATE TABLE IF NOT EXISTS channel_sequences (
			channel TEXT PRIMARY KEY,
			last_sequence INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			settlement_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE(settlement_id, kind)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// CreateSettlement persists the settlement and both pending legs in a single
// transaction. Once this returns, recovery can always find the work.
func (s *Store) CreateSettlement(st *Settlement, tl *TransferLeg, ml *MessageLeg) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO settlements (id, source_chain, dest_chain, amount, asset, payload, status, request_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.SourceChain, st.DestChain, st.Amount.String(), st.Asset, st.Payload, st.Status, st.RequestHash, now, now)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO transfer_legs (settlement_id, status, updated_at) VALUES (?, ?, ?)
	`, st.ID, tl.Status, now)
	if err != nil {
		return fmt.Errorf("insert transfer leg: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO message_legs (settlement_id, channel, status, updated_at) VALUES (?, ?, ?, ?)
	`, st.ID, ml.Channel, ml.Status, now)
	if err != nil {
		return fmt.Errorf("insert message leg: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO status_history (settlement_id, entity, old_status, new_status, detail, at)
		VALUES (?, 'settlement', '', ?, 'admitted', ?)
	`, st.ID, st.Status, now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	st.CreatedAt = now
	st.UpdatedAt = now
	return nil
}

func (s *Store) GetSettlement(id string) (*Settlement, error) {
	row := s.db.QueryRow(`
		SELECT id, source_chain, dest_chain, amount, asset, payload, status, request_hash, escalated, archived, created_at, updated_at
		FROM settlements WHERE id = ?
	`, id)

	var st Settlement
	var amount string
	err := row.Scan(&st.ID, &st.SourceChain, &st.DestChain, &amount, &st.Asset, &st.Payload,
		&st.Status, &st.RequestHash, &st.Escalated, &st.Archived, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	st.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &st, nil
}

func (s *Store) GetTransferLeg(id string) (*TransferLeg, error) {
	row := s.db.QueryRow(`
		SELECT settlement_id, burn_tx_hash, burn_height, attestation_id, attestation, mint_tx_hash, mint_attempts, status, updated_at
		FROM transfer_legs WHERE settlement_id = ?
	`, id)

	var tl TransferLeg
	err := row.Scan(&tl.SettlementID, &tl.BurnTxHash, &tl.BurnHeight, &tl.AttestationID,
		&tl.Attestation, &tl.MintTxHash, &tl.MintAttempts, &tl.Status, &tl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transfer leg: %w", err)
	}
	return &tl, nil
}

func (s *Store) GetMessageLeg(id string) (*MessageLeg, error) {
	row := s.db.QueryRow(`
		SELECT settlement_id, channel, send_tx_hash, sequence, exec_tx_hash, status, updated_at
		FROM message_legs WHERE settlement_id = ?
	`, id)

	var ml MessageLeg
	err := row.Scan(&ml.SettlementID, &ml.Channel, &ml.SendTxHash, &ml.Sequence,
		&ml.ExecTxHash, &ml.Status, &ml.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message leg: %w", err)
	}
	return &ml, nil
}

// UpdateSettlementStatus moves the settlement to a new status and records the
// transition. Terminal states are final except through RecordOverride.
func (s *Store) UpdateSettlementStatus(id string, to SettlementStatus, detail string) error {
	st, err := s.GetSettlement(id)
	if err != nil {
		return err
	}
	if st.Status == to {
		return nil
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: settlement %s is %s", ErrInvalidTransition, id, st.Status)
	}
	return s.writeSettlementStatus(id, st.Status, to, detail)
}

// RecordOverride force-transitions a settlement after out-of-band operator
// verification. The reason lands in the audit history.
func (s *Store) RecordOverride(id string, to SettlementStatus, reason string) error {
	st, err := s.GetSettlement(id)
	if err != nil {
		return err
	}
	return s.writeSettlementStatus(id, st.Status, to, "operator override: "+reason)
}

func (s *Store) writeSettlementStatus(id string, from, to SettlementStatus, detail string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE settlements SET status = ?, updated_at = ? WHERE id = ?`, to, now, id); err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO status_history (settlement_id, entity, old_status, new_status, detail, at)
		VALUES (?, 'settlement', ?, ?, ?, ?)
	`, id, from, to, detail, now); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return tx.Commit()
}

// UpdateTransferLeg persists the leg's progress fields and, when the status
// changed, validates the transition and appends history. A leg never regresses.
func (s *Store) UpdateTransferLeg(tl *TransferLeg, detail string) error {
	cur, err := s.GetTransferLeg(tl.SettlementID)
	if err != nil {
		return err
	}
	if cur.Status != tl.Status && !ValidTransferTransition(cur.Status, tl.Status) {
		return fmt.Errorf("%w: transfer %s -> %s", ErrInvalidTransition, cur.Status, tl.Status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE transfer_legs
		SET burn_tx_hash = ?, burn_height = ?, attestation_id = ?, attestation = ?, mint_tx_hash = ?, mint_attempts = ?, status = ?, updated_at = ?
		WHERE settlement_id = ?
	`, tl.BurnTxHash, tl.BurnHeight, tl.AttestationID, tl.Attestation, tl.MintTxHash, tl.MintAttempts, tl.Status, now, tl.SettlementID)
	if err != nil {
		return fmt.Errorf("update transfer leg: %w", err)
	}

	if cur.Status != tl.Status {
		if _, err := tx.Exec(`
			INSERT INTO status_history (settlement_id, entity, old_status, new_status, detail, at)
			VALUES (?, 'transfer', ?, ?, ?, ?)
		`, tl.SettlementID, cur.Status, tl.Status, detail, now); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if _, err := tx.Exec(`UPDATE settlements SET updated_at = ? WHERE id = ?`, now, tl.SettlementID); err != nil {
			return fmt.Errorf("touch settlement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tl.UpdatedAt = now
	return nil
}

func (s *Store) UpdateMessageLeg(ml *MessageLeg, detail string) error {
	cur, err := s.GetMessageLeg(ml.SettlementID)
	if err != nil {
		return err
	}
	if cur.Status != ml.Status && !ValidMessageTransition(cur.Status, ml.Status) {
		return fmt.Errorf("%w: message %s -> %s", ErrInvalidTransition, cur.Status, ml.Status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE message_legs
		SET channel = ?, send_tx_hash = ?, sequence = ?, exec_tx_hash = ?, status = ?, updated_at = ?
		WHERE settlement_id = ?
	`, ml.Channel, ml.SendTxHash, ml.Sequence, ml.ExecTxHash, ml.Status, now, ml.SettlementID)
	if err != nil {
		return fmt.Errorf("update message leg: %w", err)
	}

	if cur.Status != ml.Status {
		if _, err := tx.Exec(`
			INSERT INTO status_history (settlement_id, entity, old_status, new_status, detail, at)
			VALUES (?, 'message', ?, ?, ?, ?)
		`, ml.SettlementID, cur.Status, ml.Status, detail, now); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if _, err := tx.Exec(`UPDATE settlements SET updated_at = ? WHERE id = ?`, now, ml.SettlementID); err != nil {
			return fmt.Errorf("touch settlement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	ml.UpdatedAt = now
	return nil
}

// ObserveChannelSequence records a delivery sequence observation and reports
// whether it arrived out of order relative to the channel's high-water mark.
// The high-water mark itself never decreases.
func (s *Store) ObserveChannelSequence(channel string, sequence int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRow(`SELECT last_sequence FROM channel_sequences WHERE channel = ?`, channel).Scan(&last)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO channel_sequences (channel, last_sequence) VALUES (?, ?)`, channel, sequence); err != nil {
			return false, fmt.Errorf("insert sequence: %w", err)
		}
		return false, tx.Commit()
	case err != nil:
		return false, fmt.Errorf("query sequence: %w", err)
	}

	if sequence < last {
		// observed stale relay attempt -- keep the high-water mark
		return true, tx.Commit()
	}
	if _, err := tx.Exec(`UPDATE channel_sequences SET last_sequence = ? WHERE channel = ?`, sequence, channel); err != nil {
		return false, fmt.Errorf("update sequence: %w", err)
	}
	return false, tx.Commit()
}

func (s *Store) SetEscalated(id string) error {
	if _, err := s.db.Exec(`UPDATE settlements SET escalated = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("set escalated: %w", err)
	}
	return nil
}

// InsertAlert is idempotent per (settlement, kind) so the sweeper can fire
// the same escalation on every pass without duplicating rows.
func (s *Store) InsertAlert(settlementID, kind, detail string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO alerts (settlement_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, settlementID, kind, detail, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
