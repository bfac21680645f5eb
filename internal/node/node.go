// Package node is the composition root: it opens the data directory,
// restores identity and documents, wires every service and runs the
// daemon until the context is cancelled.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amaydixit11/meshd/internal/api"
	"github.com/amaydixit11/meshd/internal/audit"
	"github.com/amaydixit11/meshd/internal/auth"
	"github.com/amaydixit11/meshd/internal/chat"
	"github.com/amaydixit11/meshd/internal/collector"
	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/mesh"
	"github.com/amaydixit11/meshd/internal/metrics"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/search"
	"github.com/amaydixit11/meshd/internal/snippets"
	"github.com/amaydixit11/meshd/internal/store"
	"github.com/amaydixit11/meshd/internal/tasks"
)

// meshBroadcaster fans merged-in chat out to websocket subscribers and
// keeps the search index current on the same path
type meshBroadcaster struct {
	hub *chat.Hub
	idx *search.Index
}

func (b *meshBroadcaster) Broadcast(msg core.ChatMessage) {
	if b.idx != nil {
		_ = b.idx.IndexChat(msg)
	}
	b.hub.Broadcast(msg)
}

func (b *meshBroadcaster) BroadcastMany(msgs []core.ChatMessage) {
	if b.idx != nil {
		_ = b.idx.IndexChatMany(msgs)
	}
	b.hub.BroadcastMany(msgs)
}

// Node is a fully wired meshd daemon
type Node struct {
	cfg *config.Config
	log *zap.Logger

	store     *store.Store
	id        *identity.Identity
	reg       *registry.Registry
	docs      *mesh.Documents
	clock     *core.Clock
	met       *metrics.Metrics
	aud       *audit.Log
	auth      *auth.Service
	index     *search.Index
	snippets  *snippets.Service
	tasks     *tasks.Service
	hub       *chat.Hub
	engine    *mesh.Engine
	joiner    *mesh.Joiner
	discovery *peer.Discovery
	apiSrv    *api.Server

	version string
}

// New bootstraps every service from the data directory. Nothing is
// listening or syncing until Run.
func New(cfg *config.Config, passphrase identity.PassphraseFunc, version string, log *zap.Logger) (*Node, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}

	id, err := identity.LoadOrCreate(st, cfg, passphrase, log)
	if err != nil {
		return nil, err
	}
	log.Info("identity ready",
		zap.String("node_id", id.NodeID),
		zap.String("fingerprint", id.Fingerprint()),
		zap.String("mode", string(id.Mode())))

	reg := registry.New(st, id.NodeID)
	if err := reg.EnsureSelf(core.NodeRecord{
		NodeID:      id.NodeID,
		Name:        cfg.NodeName(),
		Mode:        id.Mode(),
		Connectable: cfg.Node.Connectable,
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		PublicURL:   cfg.Node.PublicURL,
		PublicKey:   id.PublicKey(),
	}); err != nil {
		return nil, fmt.Errorf("ensure self record: %w", err)
	}

	docs := mesh.NewDocuments(st, reg, cfg.Chat.MaxMessages)

	// restore the version clock so self-state versions keep growing
	// across restarts
	var lastVersion int64
	if states, serr := docs.States(); serr == nil {
		if self, ok := states[id.NodeID]; ok {
			lastVersion = self.Version
		}
	}
	clock := core.NewClock(lastVersion)

	met := metrics.New()
	met.SetRole(string(id.Mode()))

	aud, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	authSvc, err := auth.NewService(st, cfg, aud, log)
	if err != nil {
		return nil, err
	}

	index, created, err := search.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	if created {
		snips, _ := docs.Snippets()
		msgs, _ := docs.Chat()
		if err := index.Rebuild(snips, msgs); err != nil {
			log.Warn("rebuilding search index failed", zap.Error(err))
		} else {
			log.Info("search index rebuilt",
				zap.Int("snippets", len(snips)),
				zap.Int("messages", len(msgs)))
		}
	}

	snipSvc, err := snippets.NewService(docs, index, log)
	if err != nil {
		return nil, err
	}

	taskSvc := tasks.NewService(st, aud, id.NodeID, cfg.Security.CommandBlacklist, log)
	coll := collector.New(cfg.DataDir)
	cursors := peer.NewCursors(st)
	client := peer.NewClient(id, cfg.PeerTimeout(), api.Prefix)

	hub := chat.NewHub(docs, reg, client, cfg.NodeName(), met, log)
	bcast := &meshBroadcaster{hub: hub, idx: index}

	engine := mesh.NewEngine(cfg, docs, cursors, client, id, bcast, coll, taskSvc, clock, met, log)
	joiner := mesh.NewJoiner(cfg, reg, client, id, engine, log)

	var discovery *peer.Discovery
	if cfg.Discovery.Enabled {
		selfHandshake := func() (peer.Handshake, error) {
			rec, ok, herr := reg.Self()
			if herr != nil {
				return peer.Handshake{}, herr
			}
			if !ok {
				return peer.Handshake{}, errors.New("self record missing")
			}
			return peer.Handshake{
				NodeID:      rec.NodeID,
				Name:        rec.Name,
				Mode:        rec.Mode,
				Connectable: rec.Connectable,
				Host:        rec.Host,
				Port:        rec.Port,
				PublicURL:   rec.PublicURL,
				PublicKey:   rec.PublicKey,
			}, nil
		}
		discovery, err = peer.NewDiscovery(selfHandshake, id.NodeID, log)
		if err != nil {
			// LAN discovery is best effort, the mesh works without it
			log.Warn("lan discovery unavailable", zap.Error(err))
			discovery = nil
		}
	}

	peerSrv := peer.NewServer(docs, reg, bcast, taskSvc, clock, log)

	apiSrv := api.NewServer(api.Deps{
		Config:    cfg,
		Identity:  id,
		Registry:  reg,
		Docs:      docs,
		Engine:    engine,
		Joiner:    joiner,
		Hub:       hub,
		Auth:      authSvc,
		Snippets:  snipSvc,
		Search:    index,
		Tasks:     taskSvc,
		Collector: coll,
		Discovery: discovery,
		PeerSrv:   peerSrv,
		Metrics:   met,
		Audit:     aud,
		Version:   version,
	}, log)

	return &Node{
		cfg:       cfg,
		log:       log,
		store:     st,
		id:        id,
		reg:       reg,
		docs:      docs,
		clock:     clock,
		met:       met,
		aud:       aud,
		auth:      authSvc,
		index:     index,
		snippets:  snipSvc,
		tasks:     taskSvc,
		hub:       hub,
		engine:    engine,
		joiner:    joiner,
		discovery: discovery,
		apiSrv:    apiSrv,
		version:   version,
	}, nil
}

// ID returns the node's identity
func (n *Node) ID() *identity.Identity { return n.id }

// Run starts the sync engine, discovery and the HTTP server and blocks
// until the context is cancelled or the server fails
func (n *Node) Run(ctx context.Context) error {
	n.engine.Start(ctx)
	defer n.engine.Stop()
	defer n.joiner.Stop()

	if err := n.joiner.Resume(); err != nil {
		n.log.Warn("resuming pending joins failed", zap.Error(err))
	}

	if n.discovery != nil {
		if err := n.discovery.Start(ctx); err != nil {
			n.log.Warn("starting lan discovery failed", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.apiSrv.Run(gctx) })
	err := g.Wait()

	if n.discovery != nil {
		if cerr := n.discovery.Stop(); cerr != nil {
			n.log.Warn("stopping lan discovery failed", zap.Error(cerr))
		}
	}

	// let in-flight local tasks record their results before close
	n.tasks.Wait()
	if cerr := n.index.Close(); cerr != nil {
		n.log.Warn("closing search index failed", zap.Error(cerr))
	}
	if cerr := n.aud.Close(); cerr != nil {
		n.log.Warn("closing audit log failed", zap.Error(cerr))
	}
	n.log.Info("meshd stopped")
	return err
}
