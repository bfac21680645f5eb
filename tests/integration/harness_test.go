package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/chat"
	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/logging"
	"github.com/amaydixit11/meshd/internal/mesh"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/store"
	"github.com/amaydixit11/meshd/internal/tasks"
)

const apiPrefix = "/api/v1"

// testNode is a meshd node wired end to end: real store, real signed
// peer RPC over loopback HTTP, real sync engine. Only the operator API
// and LAN discovery are left out.
type testNode struct {
	name    string
	cfg     *config.Config
	id      *identity.Identity
	reg     *registry.Registry
	docs    *mesh.Documents
	cursors *peer.Cursors
	clock   *core.Clock
	hub     *chat.Hub
	tasks   *tasks.Service
	client  *peer.Client
	engine  *mesh.Engine
	joiner  *mesh.Joiner

	router *mux.Router
	srv    *httptest.Server
}

func newTestNode(t *testing.T, name string, mutate func(cfg *config.Config)) *testNode {
	t.Helper()
	dir, err := os.MkdirTemp("", "meshd-integ-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Node.Name = name
	cfg.Node.Mode = "full"
	cfg.Node.Connectable = true
	cfg.Peer.SyncInterval = 1
	cfg.Peer.HeartbeatInterval = 1
	cfg.Peer.MaxHeartbeatFailures = 2
	if mutate != nil {
		mutate(cfg)
	}

	log := logging.Nop()
	id, err := identity.LoadOrCreate(st, cfg, nil, log)
	require.NoError(t, err)

	reg := registry.New(st, id.NodeID)
	require.NoError(t, reg.EnsureSelf(core.NodeRecord{
		NodeID:      id.NodeID,
		Name:        name,
		Mode:        id.Mode(),
		Connectable: cfg.Node.Connectable,
		PublicKey:   id.PublicKey(),
	}))

	docs := mesh.NewDocuments(st, reg, cfg.Chat.MaxMessages)
	cursors := peer.NewCursors(st)
	clock := core.NewClock(0)
	client := peer.NewClient(id, time.Second, apiPrefix)
	hub := chat.NewHub(docs, reg, client, name, nil, log)
	taskSvc := tasks.NewService(st, nil, id.NodeID, nil, log)

	router := mux.NewRouter()
	peer.NewServer(docs, reg, hub, taskSvc, clock, log).Mount(router.PathPrefix(apiPrefix).Subrouter())

	engine := mesh.NewEngine(cfg, docs, cursors, client, id, hub, nil, taskSvc, clock, nil, log)
	joiner := mesh.NewJoiner(cfg, reg, client, id, engine, log)
	t.Cleanup(joiner.Stop)

	return &testNode{
		name:    name,
		cfg:     cfg,
		id:      id,
		reg:     reg,
		docs:    docs,
		cursors: cursors,
		clock:   clock,
		hub:     hub,
		tasks:   taskSvc,
		client:  client,
		engine:  engine,
		joiner:  joiner,
		router:  router,
	}
}

// listen starts the peer RPC server and advertises its URL in the
// self record
func (n *testNode) listen(t *testing.T) {
	t.Helper()
	n.srv = httptest.NewServer(n.router)
	t.Cleanup(n.srv.Close)
	require.NoError(t, n.reg.UpdateSelf(func(rec *core.NodeRecord) {
		rec.PublicURL = n.srv.URL
	}))
}

// listenAt serves the peer RPC on a fixed loopback address so tests
// can take the node down and bring it back at the same URL. Returns a
// stop function.
func (n *testNode) listenAt(t *testing.T, addr string) func() {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	srv := &http.Server{Handler: n.router}
	go srv.Serve(l)

	url := "http://" + l.Addr().String()
	require.NoError(t, n.reg.UpdateSelf(func(rec *core.NodeRecord) {
		rec.PublicURL = url
	}))

	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			srv.Close()
		}
	}
	t.Cleanup(stop)
	return stop
}

func (n *testNode) url() string {
	rec, _, _ := n.reg.Self()
	return rec.URL()
}

// start runs the sync engine until the test ends
func (n *testNode) start(t *testing.T) {
	t.Helper()
	n.engine.Start(context.Background())
	t.Cleanup(n.engine.Stop)
}

// trust registers other as a trusted, dialable peer of n
func (n *testNode) trust(t *testing.T, other *testNode) {
	t.Helper()
	rec, ok, err := other.reg.Self()
	require.NoError(t, err)
	require.True(t, ok)
	rec.TrustStatus = core.TrustTrusted
	_, err = n.reg.ApplyRemote(map[string]core.NodeRecord{rec.NodeID: rec})
	require.NoError(t, err)
}

func trustBoth(t *testing.T, a, b *testNode) {
	t.Helper()
	a.trust(t, b)
	b.trust(t, a)
}

// eventually polls with intervals suited to 1s sync loops
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 20*time.Second, 100*time.Millisecond, msg)
}
