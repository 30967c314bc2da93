package cluster

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/c.mueller/logbook-sync/internal/database"
	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/hashicorp/serf/serf"
)

// TriggerFunc receives sync triggers raised by cluster activity
type TriggerFunc func(trigger string, metadata map[string]any)

// Cluster manages the Serf cluster and synchronization
type Cluster struct {
	serf     *serf.Serf
	db       *database.DB
	nodeID   string
	logger   *slog.Logger
	eventCh  chan serf.Event
	shutdown chan struct{}

	mu        sync.Mutex
	ready     bool
	readyCh   chan struct{}
	stopped   bool
	onTrigger TriggerFunc
}

// New creates a new Cluster instance
func New(nodeID string, bindAddr string, db *database.DB, logger *slog.Logger) (*Cluster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cluster", "node", nodeID)

	// Parse bind address (format: "IP:Port")
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", bindAddr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in bind address %q: %w", bindAddr, err)
	}

	// Create Serf configuration
	config := serf.DefaultConfig()
	config.NodeName = nodeID
	config.MemberlistConfig.BindAddr = host
	config.MemberlistConfig.BindPort = port
	config.UserEventSizeLimit = maxUserEventSize

	// Route serf and memberlist chatter through slog at debug level
	serfLog := slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	config.Logger = serfLog
	config.MemberlistConfig.Logger = serfLog

	eventCh := make(chan serf.Event, 256)
	config.EventCh = eventCh

	cluster := &Cluster{
		db:       db,
		nodeID:   nodeID,
		logger:   logger,
		eventCh:  eventCh,
		shutdown: make(chan struct{}),
		readyCh:  make(chan struct{}),
	}

	serfInstance, err := serf.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create serf: %w", err)
	}

	cluster.serf = serfInstance

	return cluster, nil
}

// OnTrigger registers the function that receives cluster sync triggers
func (c *Cluster) OnTrigger(fn TriggerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrigger = fn
}

func (c *Cluster) raise(trigger string, metadata map[string]any) {
	c.mu.Lock()
	fn := c.onTrigger
	c.mu.Unlock()

	if fn != nil {
		fn(trigger, metadata)
	}
}

// Start starts the cluster and joins the seed nodes. A successful join raises
// a full "online" sync; the node becomes ready once MarkReady is called or
// joinTimeout elapses.
func (c *Cluster) Start(seeds []string, joinTimeout time.Duration) error {
	go c.handleEvents()

	if len(seeds) == 0 {
		c.logger.Info("no seeds configured, starting as first node")
		c.MarkReady()
		return nil
	}

	c.logger.Info("attempting to join cluster", "seeds", seeds)

	maxRetries := 3
	var lastErr error
	joined := false

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(i) * 2 * time.Second
			c.logger.Info("retrying join", "attempt", i+1, "max", maxRetries, "backoff", backoff)
			time.Sleep(backoff)
		}

		numJoined, err := c.serf.Join(seeds, true)
		if err != nil {
			lastErr = err
			c.logger.Warn("join attempt failed", "attempt", i+1, "error", err)
			continue
		}

		if numJoined > 0 {
			c.logger.Info("joined cluster", "nodes", numJoined)
			joined = true
			break
		}
	}

	if !joined {
		if lastErr != nil {
			c.logger.Warn("failed to join, continuing as standalone node", "attempts", maxRetries, "error", lastErr)
		} else {
			c.logger.Info("no seeds responded, starting as first node")
		}
		c.MarkReady()
		return nil
	}

	c.raise(syncqueue.TriggerOnline, map[string]any{"member": c.nodeID, "full": true})

	select {
	case <-c.readyCh:
		c.logger.Info("node is ready")
	case <-time.After(joinTimeout):
		c.logger.Warn("initial sync not finished, continuing anyway", "timeout", joinTimeout)
		c.MarkReady()
	}

	return nil
}

// Stop gracefully shuts down the cluster
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("shutting down cluster")

	close(c.shutdown)

	if err := c.serf.Leave(); err != nil {
		c.logger.Warn("error leaving cluster", "error", err)
	}

	if err := c.serf.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}

	c.logger.Info("cluster shutdown complete")
	return nil
}

// LocalNode returns the local node name
func (c *Cluster) LocalNode() string {
	return c.nodeID
}

// MarkReady marks the cluster as ready and signals waiting goroutines
func (c *Cluster) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.ready = true
		close(c.readyCh)
	}
}

// IsReady returns true if the cluster is ready to serve requests
func (c *Cluster) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// GetMemberInfo returns information about all cluster members
func (c *Cluster) GetMemberInfo() []models.ClusterMemberInfo {
	members := c.serf.Members()
	info := make([]models.ClusterMemberInfo, len(members))

	for i, member := range members {
		info[i] = models.ClusterMemberInfo{
			Name:   member.Name,
			Addr:   member.Addr.String(),
			Status: member.Status.String(),
		}
	}

	return info
}

// MemberCount returns the number of cluster members
func (c *Cluster) MemberCount() int {
	return len(c.serf.Members())
}

// PeerCount returns the number of other members expected to answer a query.
// Failed members count, since they are only unreachable; members that left
// do not.
func (c *Cluster) PeerCount() int {
	return countPeers(c.serf.Members(), c.nodeID)
}

func countPeers(members []serf.Member, self string) int {
	n := 0
	for _, m := range members {
		if m.Name == self || m.Status == serf.StatusLeft || m.Status == serf.StatusLeaving {
			continue
		}
		n++
	}
	return n
}
