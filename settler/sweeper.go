package settler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the reconciliation loop. It periodically picks up settlements
// that have not moved within the grace window, hands them back to the
// orchestrator for a fresh reconciliation pass, escalates the ones that have
// been stalled past the escalation window, and prunes aged-out terminal rows.
type Sweeper struct {
	store   *Store
	orch    *Orchestrator
	cfg     *Config
	logger  *zerolog.Logger
	metrics *Metrics
}

func NewSweeper(store *Store, orch *Orchestrator, cfg *Config, logger *zerolog.Logger, metrics *Metrics) *Sweeper {
	return &Sweeper{
		store:   store,
		orch:    orch,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Run blocks until the context is cancelled. One sweep runs immediately so a
// restart does not wait a full interval before reconciling.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sweeper.Interval())
	defer ticker.Stop()

	s.logger.Info().
		Str("interval", s.cfg.Sweeper.Interval().String()).
		Str("grace", s.cfg.Sweeper.Grace().String()).
		Msg("sweeper started")

	for {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep is one reconciliation pass. Exported so tests and the ops CLI can
// trigger it directly.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	stale, err := s.store.ListStaleSettlements(now.Add(-s.cfg.Sweeper.Grace()))
	if err != nil {
		return fmt.Errorf("list stale settlements: %w", err)
	}

	escalateCutoff := now.Add(-s.cfg.Sweeper.Escalate())
	for _, st := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if st.UpdatedAt.Before(escalateCutoff) {
			if err := s.escalate(st); err != nil {
				s.logger.Error().Str("settlement_id", st.ID).Err(err).Msg("escalation failed")
			}
			continue
		}
		s.logger.Debug().
			Str("settlement_id", st.ID).
			Str("status", string(st.Status)).
			Time("updated_at", st.UpdatedAt).
			Msg("resuming stale settlement")
		s.orch.Resume(st.ID)
	}

	if s.cfg.Sweeper.Retention() > 0 {
		archived, err := s.store.ArchiveTerminal(now.Add(-s.cfg.Sweeper.Retention()))
		if err != nil {
			return fmt.Errorf("archive terminal settlements: %w", err)
		}
		if archived > 0 {
			s.logger.Info().Int64("count", archived).Msg("archived aged-out settlements")
		}
	}

	if err := s.refreshGauges(); err != nil {
		return err
	}
	s.metrics.SweepDone()
	return nil
}

// escalate surfaces a settlement that has been stalled past the escalation
// window. The alert is keyed so repeated sweeps do not duplicate it, and the
// settlement is excluded from automatic resumption until an operator acts.
func (s *Sweeper) escalate(st *Settlement) error {
	detail := fmt.Sprintf("settlement %s in %s since %s, no progress past escalation window",
		st.ID, st.Status, st.UpdatedAt.Format(time.RFC3339))
	inserted, err := s.store.InsertAlert(st.ID, "stalled", detail)
	if err != nil {
		return err
	}
	if err := s.store.SetEscalated(st.ID); err != nil {
		return err
	}
	if inserted {
		s.metrics.AlertFired()
		s.logger.Warn().
			Str("settlement_id", st.ID).
			Str("status", string(st.Status)).
			Msg("settlement escalated for operator attention")
	}
	return nil
}

func (s *Sweeper) refreshGauges() error {
	stuck, err := s.store.CountStuckLegs()
	if err != nil {
		return err
	}
	ambiguous, err := s.store.CountByStatus(SettlementAmbiguous)
	if err != nil {
		return err
	}
	inFlight, err := s.store.CountByStatus(SettlementInFlight)
	if err != nil {
		return err
	}
	s.metrics.SetGauges(stuck, ambiguous, inFlight)
	return nil
}
