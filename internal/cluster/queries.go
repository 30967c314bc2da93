package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/serf/serf"
)

// queryTimeout bounds how long a pull waits for peer acknowledgements
const queryTimeout = 10 * time.Second

// handleQuery handles incoming Serf queries
func (c *Cluster) handleQuery(query *serf.Query) {
	if query.SourceNode() == c.nodeID {
		return
	}

	switch query.Name {
	case QueryEntriesSince:
		c.handleEntriesSinceQuery(query)
	case QueryCount:
		c.handleCountQuery(query)
	default:
		c.logger.Warn("unknown query", "name", query.Name)
	}
}

// handleEntriesSinceQuery acknowledges with the number of matching entries
// and then broadcasts them one by one to stay under the payload limit
func (c *Cluster) handleEntriesSinceQuery(query *serf.Query) {
	var req EntriesSinceQuery
	if err := json.Unmarshal(query.Payload, &req); err != nil {
		c.logger.Error("failed to unmarshal entries-since query", "from", query.SourceNode(), "error", err)
		return
	}

	entries, err := c.db.ListEntriesUpdatedSince(time.UnixMilli(req.Since))
	if err != nil {
		c.logger.Error("failed to list entries", "error", err)
		return
	}

	data, err := json.Marshal(CountResponse{Count: len(entries), NodeID: c.nodeID})
	if err != nil {
		c.logger.Error("failed to marshal ack", "error", err)
		return
	}

	if err := query.Respond(data); err != nil {
		c.logger.Error("failed to respond to query", "error", err)
		return
	}

	c.logger.Info("acknowledged entries-since request", "from", query.SourceNode(), "entries", len(entries))

	go func() {
		sent := 0
		for _, entry := range entries {
			select {
			case <-c.shutdown:
				return
			default:
			}

			if err := c.BroadcastEntry(entry); err != nil {
				c.logger.Error("failed to broadcast entry", "extern_id", entry.ExternID, "error", err)
				continue
			}
			sent++

			// Small delay to avoid overwhelming the network
			time.Sleep(10 * time.Millisecond)
		}
		c.logger.Info("finished broadcasting entries", "to", query.SourceNode(), "sent", sent)
	}()
}

// handleCountQuery responds with the count of live entries
func (c *Cluster) handleCountQuery(query *serf.Query) {
	count, err := c.db.CountEntries()
	if err != nil {
		c.logger.Error("failed to count entries", "error", err)
		return
	}

	data, err := json.Marshal(CountResponse{Count: count, NodeID: c.nodeID})
	if err != nil {
		c.logger.Error("failed to marshal count response", "error", err)
		return
	}

	if err := query.Respond(data); err != nil {
		c.logger.Error("failed to respond to query", "error", err)
		return
	}

	c.logger.Debug("sent count", "count", count, "to", query.SourceNode())
}

// RequestEntriesSince asks every peer to broadcast the entries it changed
// after since. It returns once all peers acknowledged, the query timed out,
// or ctx was cancelled. The entries themselves arrive asynchronously as
// user events.
func (c *Cluster) RequestEntriesSince(ctx context.Context, since time.Time) (acks int, expected int, err error) {
	payload, err := json.Marshal(EntriesSinceQuery{Since: since.UnixMilli(), NodeID: c.nodeID})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	timeout := queryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	resp, err := c.serf.Query(QueryEntriesSince, payload, &serf.QueryParam{
		Timeout: timeout,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send entries-since query: %w", err)
	}
	defer resp.Close()

	responses := resp.ResponseCh()
	for {
		select {
		case r, ok := <-responses:
			if !ok {
				c.logger.Debug("entries-since query finished", "acks", acks, "expected", expected)
				return acks, expected, nil
			}

			var count CountResponse
			if err := json.Unmarshal(r.Payload, &count); err != nil {
				c.logger.Warn("failed to unmarshal ack", "from", r.From, "error", err)
				continue
			}
			acks++
			expected += count.Count

		case <-ctx.Done():
			return acks, expected, ctx.Err()
		}
	}
}
