package peer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/core"
)

// DiscoveryServiceTag is the mDNS service name announced on the LAN
const DiscoveryServiceTag = "meshd.local"

// AnnounceProtocol is the stream protocol that serves this node's
// handshake to whoever discovered it
const AnnounceProtocol = "/meshd/announce/1.0.0"

// maxAnnounceBytes bounds an announce payload
const maxAnnounceBytes = 64 << 10

// announceTimeout bounds one announce exchange
const announceTimeout = 10 * time.Second

// discoveredTTL drops cache entries not seen again within it
const discoveredTTL = 10 * time.Minute

// DiscoveredPeer is a LAN neighbor's announced identity. Discovery is
// advisory only: entries are join candidates, never NodeRecords.
type DiscoveredPeer struct {
	NodeID      string        `json:"node_id"`
	Name        string        `json:"name"`
	Mode        core.NodeMode `json:"mode"`
	URL         string        `json:"url,omitempty"`
	PublicKey   string        `json:"public_key"`
	Fingerprint string        `json:"fingerprint"`
	SeenAt      float64       `json:"seen_at"`
	Addrs       []string      `json:"addrs,omitempty"`
}

// HandshakeFunc supplies this node's announce payload
type HandshakeFunc func() (Handshake, error)

// Discovery announces this node over mDNS and caches the neighbors it
// hears back from
type Discovery struct {
	host   host.Host
	mdns   mdns.Service
	self   HandshakeFunc
	selfID string
	log    *zap.Logger

	mu    sync.Mutex
	found map[string]DiscoveredPeer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDiscovery builds the LAN beacon on an ephemeral TCP port
func NewDiscovery(self HandshakeFunc, selfID string, log *zap.Logger) (*Discovery, error) {
	listen, err := multiaddr.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		return nil, fmt.Errorf("create discovery host: %w", err)
	}
	return &Discovery{
		host:   h,
		self:   self,
		selfID: selfID,
		log:    log,
		found:  map[string]DiscoveredPeer{},
	}, nil
}

// Start registers the announce handler and begins mDNS discovery
func (d *Discovery) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.host.SetStreamHandler(protocol.ID(AnnounceProtocol), d.handleAnnounce)

	svc := mdns.NewMdnsService(d.host, DiscoveryServiceTag, d)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start mdns: %w", err)
	}
	d.mdns = svc

	d.log.Info("lan discovery started",
		zap.String("service", DiscoveryServiceTag))
	return nil
}

// Stop shuts the beacon down
func (d *Discovery) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.mdns != nil {
		d.mdns.Close()
	}
	return d.host.Close()
}

// handleAnnounce serves our handshake to a discovering neighbor
func (d *Discovery) handleAnnounce(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(announceTimeout))

	hs, err := d.self()
	if err != nil {
		d.log.Warn("building announce payload failed", zap.Error(err))
		return
	}
	if err := writeAnnounce(stream, hs); err != nil {
		d.log.Debug("writing announce failed", zap.Error(err))
	}
}

// HandlePeerFound is the mDNS callback: dial the neighbor's announce
// protocol and cache what it claims to be
func (d *Discovery) HandlePeerFound(pi libpeer.AddrInfo) {
	if pi.ID == d.host.ID() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, announceTimeout)
		defer cancel()

		if err := d.host.Connect(ctx, pi); err != nil {
			return
		}
		stream, err := d.host.NewStream(ctx, pi.ID, protocol.ID(AnnounceProtocol))
		if err != nil {
			return
		}
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(announceTimeout))

		hs, err := readAnnounce(stream)
		if err != nil {
			d.log.Debug("reading announce failed",
				zap.String("peer", pi.ID.String()),
				zap.Error(err))
			return
		}
		if hs.NodeID == "" || hs.NodeID == d.selfID {
			return
		}

		addrs := make([]string, 0, len(pi.Addrs))
		for _, a := range pi.Addrs {
			addrs = append(addrs, a.String())
		}

		entry := DiscoveredPeer{
			NodeID:      hs.NodeID,
			Name:        hs.Name,
			Mode:        hs.Mode,
			URL:         hs.Record().URL(),
			PublicKey:   hs.PublicKey,
			Fingerprint: core.KeyFingerprint(hs.PublicKey),
			SeenAt:      core.Now(),
			Addrs:       addrs,
		}
		d.mu.Lock()
		_, known := d.found[hs.NodeID]
		d.found[hs.NodeID] = entry
		d.mu.Unlock()

		if !known {
			d.log.Info("discovered lan peer",
				zap.String("node_id", hs.NodeID),
				zap.String("name", hs.Name),
				zap.String("fingerprint", entry.Fingerprint))
		}
	}()
}

// Discovered returns fresh cache entries, most recently seen first
func (d *Discovery) Discovered() []DiscoveredPeer {
	cutoff := core.Now() - discoveredTTL.Seconds()

	d.mu.Lock()
	out := make([]DiscoveredPeer, 0, len(d.found))
	for id, p := range d.found {
		if p.SeenAt < cutoff {
			delete(d.found, id)
			continue
		}
		out = append(out, p)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SeenAt > out[j].SeenAt
	})
	return out
}

// writeAnnounce writes a length-prefixed handshake
func writeAnnounce(w io.Writer, hs Handshake) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readAnnounce reads a length-prefixed handshake
func readAnnounce(r io.Reader) (Handshake, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Handshake{}, err
	}
	if length > maxAnnounceBytes {
		return Handshake{}, fmt.Errorf("announce too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Handshake{}, err
	}
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return Handshake{}, err
	}
	return hs, nil
}
