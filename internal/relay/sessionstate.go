package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionSnapshot is the on-disk shape of one live session, written by
// ExportSessionState and read back only by the offline relay-inspect
// viewer. It is a diagnostic convenience; nothing in the Relay reads
// it back.
type SessionSnapshot struct {
	SessionID    uint32           `yaml:"session_id"`
	HostEndpoint string           `yaml:"host_endpoint"`
	Clients      map[uint8]string `yaml:"clients"`
	PendingCount int              `yaml:"pending_count"`
	LastActivity time.Time        `yaml:"last_activity"`
}

// StateSnapshot is the top-level export document.
type StateSnapshot struct {
	ExportedAt time.Time         `yaml:"exported_at"`
	Sessions   []SessionSnapshot `yaml:"sessions"`
}

// Snapshot captures the Relay's current session table.
func (r *Relay) Snapshot(now time.Time) StateSnapshot {
	snap := StateSnapshot{ExportedAt: now}
	for _, s := range r.sessions {
		clients := make(map[uint8]string, len(s.clients))
		for id, addr := range s.clients {
			clients[id] = addr.String()
		}
		snap.Sessions = append(snap.Sessions, SessionSnapshot{
			SessionID:    s.id,
			HostEndpoint: s.hostEndpoint.String(),
			Clients:      clients,
			PendingCount: len(s.pendingQueue),
			LastActivity: s.lastActivity,
		})
	}
	return snap
}

// ExportSessionState writes the current session table to path as
// YAML. Called on SIGUSR1 and at shutdown when
// NETEM_SESSION_STATE_EXPORT_PATH is configured.
func (r *Relay) ExportSessionState(path string) error {
	data, err := yaml.Marshal(r.Snapshot(time.Now()))
	if err != nil {
		return fmt.Errorf("relay: marshal session state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("relay: write session state to %s: %w", path, err)
	}
	return nil
}
