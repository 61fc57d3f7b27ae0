package settler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ListActiveSettlements returns non-archived settlements that still need
// driving: everything not in a terminal state.
func (s *Store) ListActiveSettlements() ([]*Settlement, error) {
	return s.listSettlements(`
		SELECT id, source_chain, dest_chain, amount, asset, payload, status, request_hash, escalated, archived, created_at, updated_at
		FROM settlements
		WHERE archived = 0 AND status NOT IN (?, ?, ?)
		ORDER BY created_at ASC
	`, SettlementComplete, SettlementFailed, SettlementWithdrawn)
}

// ListStaleSettlements returns active, non-escalated settlements whose last
// update is older than the cutoff. These are the sweeper's work list.
func (s *Store) ListStaleSettlements(cutoff time.Time) ([]*Settlement, error) {
	return s.listSettlements(`
		SELECT id, source_chain, dest_chain, amount, asset, payload, status, request_hash, escalated, archived, created_at, updated_at
		FROM settlements
		WHERE archived = 0 AND escalated = 0
		  AND status NOT IN (?, ?, ?)
		  AND updated_at < ?
		ORDER BY updated_at ASC
	`, SettlementComplete, SettlementFailed, SettlementWithdrawn, cutoff.UTC())
}

func (s *Store) listSettlements(query string, args ...interface{}) ([]*Settlement, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	settlements := []*Settlement{}
	for rows.Next() {
		var st Settlement
		var amount string
		err := rows.Scan(&st.ID, &st.SourceChain, &st.DestChain, &amount, &st.Asset, &st.Payload,
			&st.Status, &st.RequestHash, &st.Escalated, &st.Archived, &st.CreatedAt, &st.UpdatedAt)
		if err != nil {
			return settlements, fmt.Errorf("scan error: %w", err)
		}
		st.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return settlements, fmt.Errorf("parse amount: %w", err)
		}
		settlements = append(settlements, &st)
	}
	return settlements, rows.Err()
}

func (s *Store) GetHistory(id string) ([]StatusChange, error) {
	rows, err := s.db.Query(`
		SELECT settlement_id, entity, old_status, new_status, detail, at
		FROM status_history
		WHERE settlement_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	history := []StatusChange{}
	for rows.Next() {
		var sc StatusChange
		if err := rows.Scan(&sc.SettlementID, &sc.Entity, &sc.OldStatus, &sc.NewStatus, &sc.Detail, &sc.At); err != nil {
			return history, fmt.Errorf("scan error: %w", err)
		}
		history = append(history, sc)
	}
	return history, rows.Err()
}

func (s *Store) ListAlerts(limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, settlement_id, kind, detail, created_at
		FROM alerts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.SettlementID, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return alerts, fmt.Errorf("scan error: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

type SettlementStatsSummary struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

func (s *Store) GetSettlementStats() (*SettlementStatsSummary, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*)
		FROM settlements
		WHERE archived = 0
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	stats := &SettlementStatsSummary{ByStatus: map[string]int64{}}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan error: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// CountStuckLegs feeds the stuck/ambiguous gauges.
func (s *Store) CountStuckLegs() (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM transfer_legs WHERE status = ?) +
			(SELECT COUNT(*) FROM message_legs WHERE status = ?)
	`, TransferStuck, MessageStuck).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return n, nil
}

func (s *Store) CountByStatus(status SettlementStatus) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM settlements WHERE archived = 0 AND status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	return n, nil
}

// ArchiveTerminal flags terminal settlements older than the cutoff. Archived
// rows drop out of scans but stay queryable by id for audit.
func (s *Store) ArchiveTerminal(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE settlements SET archived = 1
		WHERE archived = 0
		  AND status IN (?, ?, ?)
		  AND updated_at < ?
	`, SettlementComplete, SettlementFailed, SettlementWithdrawn, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
