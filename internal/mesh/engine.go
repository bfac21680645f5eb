package mesh

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/metrics"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
)

// Collector produces the system snapshot carried in self-state and
// heartbeats
type Collector interface {
	Snapshot() map[string]interface{}
}

// TaskRunner is the relay side of the task exchange: orders arrive in
// heartbeat responses, results ride the next heartbeat up
type TaskRunner interface {
	HandleOrders(orders []peer.TaskOrder)
	CollectResults() []peer.TaskResult
}

// Engine runs the role-dependent background loops: one main loop
// selected by mode and reachability, plus the unconditional SelfState
// loop. The main loop can be cancelled and replaced at runtime; the
// SelfState loop is undisturbed by role changes.
type Engine struct {
	docs    *Documents
	reg     *registry.Registry
	cursors *peer.Cursors
	client  *peer.Client
	id      *identity.Identity
	hub     peer.Broadcaster
	coll    Collector
	tasks   TaskRunner
	clock   *core.Clock
	met     *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	cfg     *config.Config
	rootCtx context.Context
	cancel  context.CancelFunc
	mainCtx context.Context
	mainEnd context.CancelFunc
	wg      sync.WaitGroup
	mainWG  sync.WaitGroup
	started bool
}

// NewEngine wires the engine. hub, coll and tasks may be nil in tests.
func NewEngine(
	cfg *config.Config,
	docs *Documents,
	cursors *peer.Cursors,
	client *peer.Client,
	id *identity.Identity,
	hub peer.Broadcaster,
	coll Collector,
	tasks TaskRunner,
	clock *core.Clock,
	met *metrics.Metrics,
	log *zap.Logger,
) *Engine {
	return &Engine{
		cfg:     cfg,
		docs:    docs,
		reg:     docs.Registry(),
		cursors: cursors,
		client:  client,
		id:      id,
		hub:     hub,
		coll:    coll,
		tasks:   tasks,
		clock:   clock,
		met:     met,
		log:     log,
	}
}

func (e *Engine) config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start launches the SelfState loop and the main loop
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.rootCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.selfStateLoop(e.rootCtx)
	}()
	e.startMain()
}

// Stop cancels every loop and waits for them to unwind
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.mainWG.Wait()
	e.wg.Wait()
}

// UpdateConfig swaps the configuration, re-derives the role and
// replaces the main loop atomically. The SelfState loop keeps running
// and failure counters start fresh.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	started := e.started
	e.mu.Unlock()

	e.id.SetMode(identity.DeriveMode(cfg, e.log))
	if started {
		e.startMain()
	}
}

// startMain cancels the current main loop, waits for it to exit, and
// starts a fresh one for the current role
func (e *Engine) startMain() {
	e.mu.Lock()
	if e.mainEnd != nil {
		e.mainEnd()
	}
	e.mu.Unlock()
	e.mainWG.Wait()

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	ctx, end := context.WithCancel(e.rootCtx)
	e.mainCtx, e.mainEnd = ctx, end
	e.mu.Unlock()

	e.mainWG.Add(1)
	go func() {
		defer e.mainWG.Done()
		e.runMain(ctx)
	}()
}

// runMain dispatches to the loop for the current role. Loops return
// when the context is cancelled or when a failover changed the role;
// the dispatcher then re-selects.
func (e *Engine) runMain(ctx context.Context) {
	for ctx.Err() == nil {
		mode := e.id.Mode()
		if e.met != nil {
			e.met.SetRole(string(mode))
		}
		cfg := e.config()

		switch {
		case mode == core.ModeRelay:
			e.log.Info("starting heartbeat loop")
			e.heartbeatLoop(ctx)

		case mode == core.ModeTempFull:
			// promoted: run the capability we have while a recovery
			// watcher looks for a hub coming back
			inner, cancel := context.WithCancel(ctx)
			go e.recoveryWatch(inner, cancel)
			if cfg.Node.Connectable {
				e.log.Info("starting gossip loop (temp_full)")
				e.gossipLoop(inner)
			} else {
				e.log.Info("starting active sync loop (temp_full)")
				e.activeSyncLoop(inner)
			}
			cancel()

		case cfg.Node.Connectable:
			e.log.Info("starting gossip loop")
			e.gossipLoop(ctx)

		default:
			e.log.Info("starting active sync loop")
			e.activeSyncLoop(ctx)
		}
	}
}

// sleepCtx waits for d or cancellation, reporting whether the wait
// completed
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// selfStateLoop publishes this node's liveness every heartbeat
// interval, independent of role
func (e *Engine) selfStateLoop(ctx context.Context) {
	for {
		var info map[string]interface{}
		if e.coll != nil {
			info = e.coll.Snapshot()
		}
		if err := e.docs.PublishSelfState(core.StatusOnline, e.clock.Next(), info); err != nil {
			e.log.Warn("publishing self state failed", zap.Error(err))
		}
		e.updateNodeGauges()

		if !sleepCtx(ctx, e.config().HeartbeatInterval()) {
			return
		}
	}
}

func (e *Engine) updateNodeGauges() {
	if e.met == nil {
		return
	}
	nodes, err := e.reg.All()
	if err != nil {
		return
	}
	trusted := 0
	for _, rec := range nodes {
		if rec.TrustStatus == core.TrustTrusted {
			trusted++
		}
	}
	e.met.KnownNodes.Set(float64(len(nodes)))
	e.met.TrustedNodes.Set(float64(trusted))
}

// gossipPeriod spreads gossip out as the mesh grows: base interval
// plus 5s per doubling of the peer count
func gossipPeriod(base time.Duration, peerCount int) time.Duration {
	n := peerCount
	if n < 1 {
		n = 1
	}
	return base + time.Duration(math.Log2(float64(n))*5*float64(time.Second))
}

// gossipLoop is the Hub main loop: each round, sync with a bounded
// random subset of trusted connectable peers concurrently
func (e *Engine) gossipLoop(ctx context.Context) {
	for {
		cfg := e.config()
		peers, err := e.reg.TrustedConnectable()
		if err != nil {
			e.log.Warn("gossip: peer discovery failed", zap.Error(err))
			peers = nil
		}

		if len(peers) > 0 {
			fanout := cfg.Peer.MaxFanout
			if fanout > len(peers) {
				fanout = len(peers)
			}
			rand.Shuffle(len(peers), func(i, j int) {
				peers[i], peers[j] = peers[j], peers[i]
			})

			var wg sync.WaitGroup
			for _, p := range peers[:fanout] {
				wg.Add(1)
				go func(p core.NodeRecord) {
					defer wg.Done()
					if err := e.syncWith(ctx, p); err != nil {
						e.log.Debug("gossip sync failed",
							zap.String("peer", p.NodeID),
							zap.Error(err))
						if err := e.docs.MarkPeerOffline(p.NodeID); err != nil {
							e.log.Warn("marking peer offline failed", zap.Error(err))
						}
					}
				}(p)
			}
			wg.Wait()
		}

		if !sleepCtx(ctx, gossipPeriod(cfg.SyncInterval(), len(peers))) {
			return
		}
	}
}

// activeSyncLoop is the NAT'd-Full main loop: outbound-only exchange
// with every known hub each round. Persistent total failure is logged
// but never changes the role; there is nothing to fail over to.
func (e *Engine) activeSyncLoop(ctx context.Context) {
	failures := 0
	for {
		cfg := e.config()
		peers, err := e.reg.TrustedConnectable()
		if err != nil {
			e.log.Warn("active sync: peer discovery failed", zap.Error(err))
			peers = nil
		}

		succeeded := 0
		for _, p := range peers {
			if ctx.Err() != nil {
				return
			}
			if err := e.syncWith(ctx, p); err != nil {
				e.log.Debug("active sync failed",
					zap.String("peer", p.NodeID),
					zap.Error(err))
				if err := e.docs.MarkPeerOffline(p.NodeID); err != nil {
					e.log.Warn("marking peer offline failed", zap.Error(err))
				}
				continue
			}
			succeeded++
		}

		if len(peers) > 0 && succeeded == 0 {
			failures++
			if failures >= cfg.Peer.MaxHeartbeatFailures {
				e.log.Warn("no hub reachable, continuing to retry",
					zap.Int("consecutive_failures", failures))
				failures = 0
			}
		} else {
			failures = 0
		}

		if !sleepCtx(ctx, cfg.SyncInterval()) {
			return
		}
	}
}

// heartbeatLoop is the Relay main loop: one successful heartbeat per
// round is enough. Crossing the failure threshold promotes the node
// to temp_full and returns so the dispatcher starts the fallback loop.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	failures := 0
	for {
		cfg := e.config()
		peers, err := e.reg.TrustedConnectable()
		if err != nil {
			e.log.Warn("heartbeat: peer discovery failed", zap.Error(err))
			peers = nil
		}

		ok := false
		for _, p := range peers {
			if ctx.Err() != nil {
				return
			}
			if err := e.heartbeatWith(ctx, p); err != nil {
				e.log.Debug("heartbeat failed",
					zap.String("peer", p.NodeID),
					zap.Error(err))
				continue
			}
			ok = true
			break
		}

		if ok {
			failures = 0
		} else if len(peers) > 0 {
			failures++
			if e.met != nil {
				e.met.HeartbeatFailures.Inc()
			}
			if failures >= cfg.Peer.MaxHeartbeatFailures {
				e.failover()
				return
			}
		}

		if !sleepCtx(ctx, cfg.HeartbeatInterval()) {
			return
		}
	}
}

// failover promotes a relay that lost every hub to temp_full so the
// node keeps syncing on its own
func (e *Engine) failover() {
	if !e.id.PromoteTempFull() {
		return
	}
	e.log.Warn("no hub reachable, promoting to temp_full")
	err := e.reg.UpdateSelf(func(rec *core.NodeRecord) {
		rec.Mode = core.ModeTempFull
	})
	if err != nil {
		e.log.Warn("updating self record failed", zap.Error(err))
	}
}

// recoveryWatch polls hubs while promoted; the first reachable one
// demotes the node back to its original role and cancels the fallback
// loop so the dispatcher restarts heartbeating
func (e *Engine) recoveryWatch(ctx context.Context, cancelMain context.CancelFunc) {
	for {
		if !sleepCtx(ctx, e.config().HeartbeatInterval()) {
			return
		}

		peers, err := e.reg.TrustedConnectable()
		if err != nil {
			continue
		}
		for _, p := range peers {
			if ctx.Err() != nil {
				return
			}
			if _, err := e.client.Handshake(ctx, p.URL()); err != nil {
				continue
			}

			mode, ok := e.id.DemoteTempFull()
			if !ok {
				return
			}
			e.log.Info("hub reachable again, demoting from temp_full",
				zap.String("peer", p.NodeID),
				zap.String("mode", string(mode)))
			err := e.reg.UpdateSelf(func(rec *core.NodeRecord) {
				rec.Mode = mode
			})
			if err != nil {
				e.log.Warn("updating self record failed", zap.Error(err))
			}
			cancelMain()
			return
		}
	}
}

// syncWith runs one incremental exchange with a peer. The cursor
// advances to the wall-clock taken before the request was built, so
// items written during the exchange are re-sent next round.
func (e *Engine) syncWith(ctx context.Context, p core.NodeRecord) error {
	since, err := e.cursors.Get(p.NodeID)
	if err != nil {
		return err
	}
	before := core.Now()

	delta, err := e.docs.DeltaSince(since)
	if err != nil {
		return err
	}

	req := peer.SyncRequest{
		NodeID:   e.reg.SelfID(),
		Since:    since,
		Nodes:    delta.Nodes,
		States:   delta.States,
		Chat:     delta.Chat,
		Snippets: delta.Snippets,
	}
	if e.coll != nil {
		req.SystemInfo = e.coll.Snapshot()
	}

	resp, err := e.client.Sync(ctx, p.URL(), req)
	if err != nil {
		if e.met != nil {
			e.met.SyncFailures.Inc()
		}
		return err
	}

	_, newChat, err := e.docs.Merge(peer.Delta{
		Nodes:    resp.Nodes,
		States:   resp.States,
		Chat:     resp.Chat,
		Snippets: resp.Snippets,
	})
	if err != nil {
		return err
	}
	if len(newChat) > 0 && e.hub != nil {
		e.hub.BroadcastMany(newChat)
	}

	if err := e.cursors.Set(p.NodeID, before); err != nil {
		return err
	}
	if e.met != nil {
		e.met.SyncRounds.Inc()
	}
	return nil
}

// heartbeatWith runs one heartbeat exchange with a hub
func (e *Engine) heartbeatWith(ctx context.Context, p core.NodeRecord) error {
	since, err := e.cursors.Get(p.NodeID)
	if err != nil {
		return err
	}
	before := core.Now()

	req := peer.HeartbeatRequest{
		NodeID: e.reg.SelfID(),
		Mode:   e.id.Mode(),
		Since:  since,
	}
	if e.coll != nil {
		req.SystemInfo = e.coll.Snapshot()
	}
	if e.tasks != nil {
		req.TaskResults = e.tasks.CollectResults()
	}

	resp, err := e.client.Heartbeat(ctx, p.URL(), req)
	if err != nil {
		return err
	}

	_, newChat, err := e.docs.Merge(peer.Delta{
		Nodes:    resp.Nodes,
		States:   resp.States,
		Chat:     resp.Chat,
		Snippets: resp.Snippets,
	})
	if err != nil {
		return err
	}
	if len(newChat) > 0 && e.hub != nil {
		e.hub.BroadcastMany(newChat)
	}

	if len(resp.Tasks) > 0 && e.tasks != nil {
		e.tasks.HandleOrders(resp.Tasks)
	}

	if err := e.cursors.Set(p.NodeID, before); err != nil {
		return err
	}
	if e.met != nil {
		e.met.HeartbeatRounds.Inc()
	}
	return nil
}

// TriggerSync runs one manual sync round with every eligible peer and
// reports a summary. Used by the operator API and by the join
// coordinator right after approval.
func (e *Engine) TriggerSync(ctx context.Context) peer.TriggerSummary {
	start := time.Now()
	peers, err := e.reg.TrustedConnectable()
	if err != nil {
		e.log.Warn("trigger sync: peer discovery failed", zap.Error(err))
		return peer.TriggerSummary{Elapsed: time.Since(start).Seconds()}
	}

	var mu sync.Mutex
	synced, failed := 0, 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config().Peer.MaxFanout)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			err := e.syncWith(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
			} else {
				synced++
			}
			return nil
		})
	}
	_ = g.Wait()

	return peer.TriggerSummary{
		Success:     failed == 0,
		SyncedPeers: synced,
		FailedPeers: failed,
		TotalPeers:  len(peers),
		Elapsed:     time.Since(start).Seconds(),
	}
}
