package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/shelfsync/internal/data"
	"github.com/tinoosan/shelfsync/internal/metrics"
)

// sweepGrace keeps temp files of transfers started during a sweep.
const sweepGrace = time.Minute

// ReconcileReport summarizes one orphan reconciliation.
type ReconcileReport struct {
	Checked    int           `json:"checked"`
	Orphaned   []string      `json:"orphaned"`
	RolledBack []data.ItemID `json:"rolledBack"`
	Restored   int           `json:"restored"`
	Swept      int           `json:"swept"`
}

// ReconcileOrphans checks every stored handle against the transfer
// subsystem. An item with any vanished task is rolled back; healthy items
// get their progress accumulator rebuilt. Temp files no track refers to are
// removed. A transport error aborts before anything is deleted for the item
// being checked.
func (s *download) ReconcileOrphans(ctx context.Context) (ReconcileReport, error) {
	log := s.log.With("operation_id", uuid.NewString())
	var rep ReconcileReport

	rows, err := s.tracks.ListWithTasks(ctx)
	if err != nil {
		return rep, err
	}
	byItem := make(map[string][]*data.Track)
	for _, t := range rows {
		byItem[t.Item.Key()] = append(byItem[t.Item.Key()], t)
	}
	keys := make([]string, 0, len(byItem))
	for k := range byItem {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		group := byItem[k]
		item := group[0].Item
		missing := 0
		for _, t := range group {
			rep.Checked++
			ok, err := s.transfer.Exists(ctx, *t.TaskID)
			if err != nil {
				return rep, fmt.Errorf("check task %s: %w", *t.TaskID, err)
			}
			if !ok {
				missing++
				rep.Orphaned = append(rep.Orphaned, *t.TaskID)
				metrics.OrphanedTasks.Inc()
				log.Warn("orphaned transfer task", "item", item.String(), "track", t.Index, "handle", *t.TaskID, "err", data.ErrOrphanedTask)
			}
		}
		if missing > 0 {
			rolled, err := s.rollbackOrphaned(ctx, item, log)
			if err != nil {
				return rep, err
			}
			if rolled {
				metrics.ItemDownloads.WithLabelValues("orphaned").Inc()
				rep.RolledBack = append(rep.RolledBack, item)
			}
			continue
		}
		all, err := s.tracks.FindByItem(ctx, item)
		if err != nil {
			return rep, err
		}
		if _, tracked := s.tracker.Progress(item); !tracked {
			st := data.DeriveState(item, all)
			s.tracker.Restore(item, st.Total, st.Finished)
			rep.Restored++
		}
	}

	n, err := s.sweepTemp(ctx)
	rep.Swept = n
	if err != nil {
		return rep, err
	}
	log.Info("reconciled transfers", "checked", rep.Checked, "orphaned", len(rep.Orphaned), "rolled_back", len(rep.RolledBack), "restored", rep.Restored, "swept", rep.Swept)
	return rep, nil
}

// rollbackOrphaned re-checks the item under its lock, since a download that
// was still starting its transfers may have finished meanwhile, and rolls it
// back if a task is still missing.
func (s *download) rollbackOrphaned(ctx context.Context, item data.ItemID, log *slog.Logger) (bool, error) {
	unlock := s.locks.Lock(item.Key())
	defer unlock()
	rows, err := s.tracks.FindByItem(ctx, item)
	if err != nil {
		return false, err
	}
	var gone string
	for _, t := range rows {
		if t.TaskID == nil {
			continue
		}
		ok, err := s.transfer.Exists(ctx, *t.TaskID)
		if err != nil {
			return false, fmt.Errorf("check task %s: %w", *t.TaskID, err)
		}
		if !ok {
			gone = *t.TaskID
			break
		}
	}
	if gone == "" {
		return false, nil
	}
	s.rollback(ctx, item, log)
	s.tracker.Abort(gone, item)
	return true, nil
}

// sweepTemp removes temp files whose track no longer has a live transfer.
func (s *download) sweepTemp(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.tmpDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	live, err := s.tracks.ListWithTasks(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]struct{}, len(live))
	for _, t := range live {
		keep[t.ID] = struct{}{}
	}
	cutoff := s.now().Add(-sweepGrace)
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, _, _ := strings.Cut(e.Name(), ".")
		if _, ok := keep[id]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.fs.remove(filepath.Join(s.tmpDir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}
