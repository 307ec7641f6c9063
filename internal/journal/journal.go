// Package journal is the write-ahead journal wrapping every money-moving
// mutation. An intent is persisted as PREPARED before any side effect and
// later moved, exactly once, to COMMITTED or ABORTED.
//
// Prepare and Abort autocommit so they survive a rolled-back mutation.
// Commit is written with the caller's transaction, so a COMMITTED record
// exists if and only if the mutation's writes are durable.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/papertrade/risk-engine/internal/metrics"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/store"
)

var (
	// ErrAlreadyCommitted is returned by Prepare when the journal id has
	// already completed successfully.
	ErrAlreadyCommitted = errors.New("journal: already committed")

	// ErrInvalidTransition is returned when a record is not PREPARED.
	ErrInvalidTransition = errors.New("journal: invalid transition")
)

// Intent describes the mutation about to be performed.
type Intent struct {
	JournalID     string
	OperationType string
	UserID        string
	ReferenceID   string
	Payload       any
}

// Journal persists intent records through a Store.
type Journal struct {
	st  store.Store
	log *slog.Logger
}

// New creates a Journal.
func New(st store.Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{st: st, log: logger}
}

// maxPrepareRaces bounds how often Prepare re-reads after losing an insert
// race for the same attempt.
const maxPrepareRaces = 3

// Prepare records the intent. When the latest attempt for the journal id is
// still PREPARED (a crash or retry before it finished) that record is
// returned unchanged and resumed is true. An ABORTED latest attempt starts
// attempt+1. A COMMITTED one returns ErrAlreadyCommitted.
//
// Two callers preparing the same id concurrently both read "no record";
// the one whose insert loses re-reads and joins the winner's record.
func (j *Journal) Prepare(ctx context.Context, in Intent) (rec *model.JournalRecord, resumed bool, err error) {
	if in.JournalID == "" {
		return nil, false, fmt.Errorf("%w: empty journal id", ErrInvalidTransition)
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("prepare %s: encode payload: %w", in.JournalID, err)
	}

	for race := 0; race < maxPrepareRaces; race++ {
		attempt := 1
		latest, err := j.st.LatestJournal(ctx, in.JournalID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, false, fmt.Errorf("prepare %s: %w", in.JournalID, err)
		case latest.Status == model.JournalPrepared:
			j.log.Warn("resuming prepared journal", "journal", in.JournalID, "attempt", latest.Attempt)
			return latest, true, nil
		case latest.Status == model.JournalCommitted:
			return latest, false, fmt.Errorf("%w: %s", ErrAlreadyCommitted, in.JournalID)
		default:
			attempt = latest.Attempt + 1
		}

		now := time.Now().UTC()
		rec = &model.JournalRecord{
			JournalID:     in.JournalID,
			Attempt:       attempt,
			OperationType: in.OperationType,
			UserID:        in.UserID,
			ReferenceID:   in.ReferenceID,
			Payload:       payload,
			Status:        model.JournalPrepared,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = j.st.InsertJournal(ctx, rec)
		if errors.Is(err, store.ErrDuplicate) {
			j.log.Debug("journal prepare lost insert race", "journal", in.JournalID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("prepare %s: %w", in.JournalID, err)
		}
		metrics.JournalTransitions.WithLabelValues(string(model.JournalPrepared)).Inc()
		return rec, false, nil
	}
	return nil, false, fmt.Errorf("prepare %s: %w", in.JournalID, store.ErrDuplicate)
}

// Commit marks rec COMMITTED inside tx and attaches the ledger sequences the
// mutation produced.
func (j *Journal) Commit(ctx context.Context, tx store.Store, rec *model.JournalRecord, ledgerSequences []int64, mutationMeta any) error {
	meta, err := json.Marshal(mutationMeta)
	if err != nil {
		return fmt.Errorf("commit %s: encode meta: %w", rec.JournalID, err)
	}
	next := *rec
	next.Status = model.JournalCommitted
	next.LedgerSequences = ledgerSequences
	next.MutationMeta = meta
	next.UpdatedAt = time.Now().UTC()

	ok, err := tx.TransitionJournal(ctx, &next)
	if err != nil {
		return fmt.Errorf("commit %s: %w", rec.JournalID, err)
	}
	if !ok {
		return fmt.Errorf("%w: commit %s attempt %d", ErrInvalidTransition, rec.JournalID, rec.Attempt)
	}
	*rec = next
	metrics.JournalTransitions.WithLabelValues(string(model.JournalCommitted)).Inc()
	return nil
}

// Abort marks rec ABORTED with reason. It writes outside any transaction.
func (j *Journal) Abort(ctx context.Context, rec *model.JournalRecord, reason string) error {
	next := *rec
	next.Status = model.JournalAborted
	next.AbortReason = reason
	next.UpdatedAt = time.Now().UTC()

	ok, err := j.st.TransitionJournal(ctx, &next)
	if err != nil {
		return fmt.Errorf("abort %s: %w", rec.JournalID, err)
	}
	if !ok {
		return fmt.Errorf("%w: abort %s attempt %d", ErrInvalidTransition, rec.JournalID, rec.Attempt)
	}
	*rec = next
	metrics.JournalTransitions.WithLabelValues(string(model.JournalAborted)).Inc()
	j.log.Warn("journal aborted", "journal", rec.JournalID, "attempt", rec.Attempt, "reason", reason)
	return nil
}

// ListPending returns every record still PREPARED, oldest first. These are
// mutations that neither committed nor aborted, typically after a crash.
func (j *Journal) ListPending(ctx context.Context) ([]model.JournalRecord, error) {
	return j.st.ListJournalsByStatus(ctx, model.JournalPrepared)
}
