package monitor

import (
	"context"
	"log/slog"
)

// SyncPeers reconciles the raft membership with the monitors discovered in
// the cluster registry. Only the leader proposes changes. Peers missing from
// the registry are kept: an expired session is not a removal.
func (m *Monitor) SyncPeers(ctx context.Context, discovered map[uint64]string) error {
	if !m.engine.IsLeader() {
		return nil
	}

	known := m.engine.Peers()
	for id, addr := range discovered {
		cur, ok := known[id]
		switch {
		case !ok:
			slog.Info("adding discovered monitor", "id", id, "addr", addr)
			if err := m.engine.AddPeer(ctx, id, addr); err != nil {
				return err
			}
		case cur != addr:
			slog.Info("monitor address changed", "id", id, "old", cur, "new", addr)
			if err := m.engine.UpdatePeer(ctx, id, addr); err != nil {
				return err
			}
		}
	}
	for id := range known {
		if _, ok := discovered[id]; !ok {
			slog.Warn("monitor missing from registry", "id", id)
		}
	}
	return nil
}
