package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/c.mueller/logbook-sync/internal/models"
)

// BroadcastEntry pushes an entry (or its tombstone) to the cluster
func (c *Cluster) BroadcastEntry(entry models.Entry) error {
	payload, err := json.Marshal(newEntrySyncEvent(entry, c.nodeID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if len(payload) > maxUserEventSize {
		return fmt.Errorf("entry %s payload is %d bytes, limit is %d", entry.ExternID, len(payload), maxUserEventSize)
	}

	if err := c.serf.UserEvent(EventEntryUpsert, payload, false); err != nil {
		return fmt.Errorf("failed to broadcast event: %w", err)
	}

	c.logger.Debug("broadcasted entry", "extern_id", entry.ExternID, "deleted", entry.Deleted)
	return nil
}
