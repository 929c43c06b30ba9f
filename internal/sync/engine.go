// Package sync orchestrates change propagation between the local and
// remote replicas: scanning pending change-log entries, resolving them
// against the target's current state, and applying the outcomes.
package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ricardomaia/syncbridge/internal/config"
	apperrors "github.com/ricardomaia/syncbridge/internal/errors"
	"github.com/ricardomaia/syncbridge/internal/models"
	"github.com/ricardomaia/syncbridge/internal/store"
	"github.com/ricardomaia/syncbridge/internal/sync/conflict"
)

// Direction selects which replica's pending changes a cycle propagates.
type Direction string

const (
	DirectionLocalToRemote Direction = "LOCAL_TO_REMOTE"
	DirectionRemoteToLocal Direction = "REMOTE_TO_LOCAL"
	DirectionBidirectional Direction = "BIDIRECTIONAL"
)

// ParseDirection maps a CLI or configuration string onto a Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionLocalToRemote, DirectionRemoteToLocal, DirectionBidirectional:
		return Direction(s), nil
	default:
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync direction %q", s))
	}
}

// TableStats is the per-table breakdown of one cycle.
type TableStats struct {
	Synced    int `json:"synced"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// Result summarizes one sync cycle.
type Result struct {
	Direction     Direction              `json:"direction"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
	Duration      time.Duration          `json:"duration"`
	RecordsSynced int                    `json:"records_synced"`
	Conflicts     int                    `json:"conflicts"`
	Errors        int                    `json:"errors"`
	Tables        map[string]*TableStats `json:"tables"`
}

func (r *Result) tableStats(table string) *TableStats {
	s, ok := r.Tables[table]
	if !ok {
		s = &TableStats{}
		r.Tables[table] = s
	}
	return s
}

// Engine drives sync cycles between the two replicas. Cycles are
// single-flight: a second Sync while one runs is rejected, never queued.
type Engine struct {
	local    store.Store
	remote   store.Store
	cfg      *config.Config
	resolver *conflict.Resolver
	log      *logrus.Logger

	running atomic.Bool
}

// NewEngine creates an Engine over the two replicas.
func NewEngine(local, remote store.Store, cfg *config.Config, log *logrus.Logger) *Engine {
	return &Engine{
		local:    local,
		remote:   remote,
		cfg:      cfg,
		resolver: conflict.NewResolver(),
		log:      log,
	}
}

// Running reports whether a cycle is currently executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Sync runs one cycle in the given direction. A BIDIRECTIONAL cycle runs
// two sub-cycles in the configured order. A cycle-fatal failure aborts
// with no watermark movement; per-entry failures are absorbed into the
// Result and the cycle continues. On an abort the Result accumulated so
// far is returned alongside the error, so partial counts stay
// inspectable.
func (e *Engine) Sync(ctx context.Context, direction Direction) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync cycle is already running")
	}
	defer e.running.Store(false)

	res := &Result{
		Direction: direction,
		StartedAt: time.Now().UTC(),
		Tables:    make(map[string]*TableStats),
	}

	e.log.WithField("direction", direction).Info("sync cycle started")

	// Both replicas must answer before anything moves. One divergence
	// materializes at most one conflict row even when both sub-cycles
	// observe it; seen tracks that per cycle.
	var err error
	seen := make(map[string]struct{})

	for _, st := range []store.Store{e.local, e.remote} {
		if perr := st.Ping(ctx); perr != nil {
			e.log.WithError(perr).WithField("store", st.Name()).Error("store unreachable, aborting cycle")
			err = apperrors.Wrap(apperrors.ErrCycleFatal,
				fmt.Sprintf("%s store unreachable", st.Name()), perr)
			break
		}
	}

	if err == nil {
		switch direction {
		case DirectionLocalToRemote:
			err = e.runSubCycle(ctx, conflict.SideLocal, res, seen)
		case DirectionRemoteToLocal:
			err = e.runSubCycle(ctx, conflict.SideRemote, res, seen)
		case DirectionBidirectional:
			first, second := conflict.SideLocal, conflict.SideRemote
			if e.cfg.Sync.BidirectionalOrder == config.OrderRemoteFirst {
				first, second = second, first
			}
			if err = e.runSubCycle(ctx, first, res, seen); err == nil {
				err = e.runSubCycle(ctx, second, res, seen)
			}
		default:
			err = apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync direction %q", direction))
		}
	}

	res.FinishedAt = time.Now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)

	if err != nil {
		return res, err
	}

	e.log.WithFields(logrus.Fields{
		"direction": direction,
		"synced":    res.RecordsSynced,
		"conflicts": res.Conflicts,
		"errors":    res.Errors,
		"duration":  res.Duration.String(),
	}).Info("sync cycle finished")

	return res, nil
}

// pair returns the source and target stores for a sub-cycle origin.
func (e *Engine) pair(origin conflict.Side) (source, target store.Store) {
	if origin == conflict.SideLocal {
		return e.local, e.remote
	}
	return e.remote, e.local
}

// runSubCycle propagates the origin replica's pending changes to the
// other replica. The origin's watermark advances only when the scan
// completes without a fatal failure.
func (e *Engine) runSubCycle(ctx context.Context, origin conflict.Side, res *Result, seen map[string]struct{}) error {
	source, target := e.pair(origin)

	watermark, err := source.GetWatermark(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCycleFatal, "failed to read watermark", err)
	}

	entries, err := source.ListPending(ctx, watermark)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCycleFatal, "failed to scan change log", err)
	}

	// Parents apply before children so foreign keys hold on the target.
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := e.cfg.RankOf(entries[i].TableName), e.cfg.RankOf(entries[j].TableName)
		if ri != rj {
			return ri < rj
		}
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})

	e.log.WithFields(logrus.Fields{
		"origin":  string(origin),
		"pending": len(entries),
	}).Debug("scanned change log")

	newWatermark := watermark
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrCycleFatal, "cycle cancelled", err)
		}

		e.processEntry(ctx, origin, source, target, entry, res, seen)

		if entry.CreatedAt.After(newWatermark) {
			newWatermark = entry.CreatedAt
		}
	}

	if newWatermark.After(watermark) {
		if err := source.SetWatermark(ctx, newWatermark); err != nil {
			return apperrors.Wrap(apperrors.ErrCycleFatal, "failed to advance watermark", err)
		}
	}

	return nil
}

// processEntry resolves and applies one change-log entry. All failure
// modes are absorbed: the entry's status records the outcome and the
// cycle moves on. The conflict row is persisted only after the apply
// outcome is known, so a failed apply retried next cycle does not leave
// a stray row behind.
func (e *Engine) processEntry(ctx context.Context, origin conflict.Side, source, target store.Store, entry *models.ChangeLogEntry, res *Result, seen map[string]struct{}) {
	stats := res.tableStats(entry.TableName)

	entryCtx, cancel := context.WithTimeout(ctx, e.cfg.Sync.ApplyTimeout)
	defer cancel()

	targetRec, err := target.ReadRecord(entryCtx, entry.TableName, entry.RecordID)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		e.markError(ctx, source, entry, stats, res, err)
		return
	}
	if stderrors.Is(err, store.ErrNotFound) {
		targetRec = nil
	}

	strategy := e.cfg.StrategyFor(entry.TableName)
	decision := e.resolver.Decide(conflict.Incoming{Entry: entry, Origin: origin}, targetRec, strategy)

	expected := store.ExpectAbsent
	if targetRec != nil {
		expected = targetRec.Version
	}

	var applyErr error
	switch decision.Action {
	case conflict.ActionApply:
		applyErr = target.ApplyRecord(entryCtx, entry.TableName, entry.RecordID,
			decision.Data, decision.NewVersion, decision.Modified, expected)
	case conflict.ActionDelete:
		applyErr = target.RemoveRecord(entryCtx, entry.TableName, entry.RecordID, expected)
	case conflict.ActionSkip, conflict.ActionDefer:
		// Nothing to write on the target.
	}

	if applyErr != nil {
		e.markError(ctx, source, entry, stats, res, applyErr)
		return
	}

	if decision.Conflict != nil {
		// One divergence, one conflict row: the mirror entry seen by the
		// other sub-cycle settles against the row already materialized.
		key := entry.TableName + "\x00" + entry.RecordID
		if _, dup := seen[key]; !dup {
			// Conflicts live on the local replica where the operator works.
			if err := e.local.SaveConflict(ctx, decision.Conflict); err != nil {
				e.markError(ctx, source, entry, stats, res, err)
				return
			}
			seen[key] = struct{}{}
			res.Conflicts++
			stats.Conflicts++
			e.log.WithFields(logrus.Fields{
				"table":    entry.TableName,
				"record":   entry.RecordID,
				"conflict": decision.Conflict.ID,
				"strategy": string(strategy),
			}).Warn("conflict detected")
		}
		e.markStatus(ctx, source, entry, models.StatusConflict, "", "")
		return
	}

	e.markStatus(ctx, source, entry, models.StatusSynced, "", "")
	res.RecordsSynced++
	stats.Synced++
}

// markError classifies a per-entry failure and records it on the entry.
// Version mismatches mean the target moved between read and write; they
// retry next cycle like any transient fault.
func (e *Engine) markError(ctx context.Context, source store.Store, entry *models.ChangeLogEntry, stats *TableStats, res *Result, cause error) {
	var classified *apperrors.AppError
	if stderrors.Is(cause, store.ErrVersionMismatch) {
		classified = apperrors.Wrap(apperrors.ErrTransientStore, "record moved during apply", cause)
	} else {
		classified = apperrors.Classify(cause)
	}

	e.markStatus(ctx, source, entry, models.StatusError, string(classified.Code), classified.Error())
	res.Errors++
	stats.Errors++

	e.log.WithError(cause).WithFields(logrus.Fields{
		"table":  entry.TableName,
		"record": entry.RecordID,
		"entry":  entry.ID,
		"code":   string(classified.Code),
	}).Error("failed to apply entry")
}

func (e *Engine) markStatus(ctx context.Context, source store.Store, entry *models.ChangeLogEntry, status models.SyncStatus, code, msg string) {
	if err := source.MarkEntryStatus(ctx, entry.ID, status, code, msg); err != nil {
		e.log.WithError(err).WithField("entry", entry.ID).Error("failed to update entry status")
	}
}

// =====================================================
// Conflict administration
// =====================================================

// ListConflicts returns the conflicts awaiting an operator decision.
func (e *Engine) ListConflicts(ctx context.Context) ([]*models.Conflict, error) {
	return e.local.ListUnresolvedConflicts(ctx)
}

// ResolveConflict applies an operator's chosen record state to both
// replicas at a version above either side, then stamps the conflict
// resolved. A nil data means the record is deleted on both sides.
func (e *Engine) ResolveConflict(ctx context.Context, id string, data models.RowData, resolvedBy string) error {
	c, err := e.local.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if c.Resolved() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("conflict %s is already resolved", id))
	}

	newVersion := c.LocalVersion
	if c.RemoteVersion > newVersion {
		newVersion = c.RemoteVersion
	}
	newVersion++
	now := time.Now().UTC()

	for _, st := range []store.Store{e.local, e.remote} {
		if data == nil {
			err = st.RemoveRecord(ctx, c.TableName, c.RecordID, store.ExpectAny)
		} else {
			err = st.ApplyRecord(ctx, c.TableName, c.RecordID, data, newVersion, now, store.ExpectAny)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal,
				fmt.Sprintf("failed to apply resolution on %s store", st.Name()), err)
		}
	}

	if err := e.local.MarkConflictResolved(ctx, id, data, resolvedBy); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"conflict": id,
		"table":    c.TableName,
		"record":   c.RecordID,
		"by":       resolvedBy,
	}).Info("conflict resolved")

	return nil
}
