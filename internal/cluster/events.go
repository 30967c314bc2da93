package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/hashicorp/serf/serf"
)

// handleEvents processes Serf events from the event channel
func (c *Cluster) handleEvents() {
	for {
		select {
		case event := <-c.eventCh:
			switch e := event.(type) {
			case serf.MemberEvent:
				c.handleMemberEvent(e)
			case serf.UserEvent:
				c.handleUserEvent(e)
			case *serf.Query:
				c.handleQuery(e)
			default:
				c.logger.Debug("unknown event type", "type", fmt.Sprintf("%T", e))
			}
		case <-c.shutdown:
			c.logger.Debug("event handler shutting down")
			return
		}
	}
}

// handleMemberEvent handles cluster membership events. A peer coming
// (back) online may have missed anything either side wrote while apart, so
// it raises a full online sync.
func (c *Cluster) handleMemberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		switch event.Type {
		case serf.EventMemberJoin:
			c.logger.Info("node joined", "member", member.Name, "addr", member.Addr.String())
			if member.Name != c.nodeID {
				c.raise(syncqueue.TriggerOnline, map[string]any{"member": member.Name, "full": true})
			}

		case serf.EventMemberLeave:
			c.logger.Info("node left gracefully", "member", member.Name)

		case serf.EventMemberFailed:
			c.logger.Warn("node failed", "member", member.Name)

		case serf.EventMemberUpdate:
			c.logger.Debug("node updated", "member", member.Name)

		case serf.EventMemberReap:
			c.logger.Debug("node reaped", "member", member.Name)
		}
	}
}

// handleUserEvent handles custom user events (entry sync)
func (c *Cluster) handleUserEvent(event serf.UserEvent) {
	switch event.Name {
	case EventEntryUpsert:
		if err := c.applyEntryEvent(event.Payload); err != nil {
			c.logger.Error("failed to apply entry event", "error", err)
		}
	default:
		c.logger.Debug("unknown user event", "name", event.Name)
	}
}

// applyEntryEvent stores an entry received from a peer. Stale updates are
// ignored by the database's last-writer-wins rule.
func (c *Cluster) applyEntryEvent(payload []byte) error {
	var event EntrySyncEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to unmarshal entry event: %w", err)
	}

	if event.NodeID == c.nodeID {
		return nil
	}
	if event.ExternID == "" {
		return fmt.Errorf("entry event from %s has no extern_id", event.NodeID)
	}

	applied, err := c.db.UpsertEntry(event.Entry())
	if err != nil {
		return err
	}

	if applied {
		c.logger.Debug("entry synced", "extern_id", event.ExternID, "from", event.NodeID, "deleted", event.Deleted)
	} else {
		c.logger.Debug("entry already up to date", "extern_id", event.ExternID, "from", event.NodeID)
	}
	return nil
}
