// Package chat is the real-time fan-out hub layered on the replicated
// chat document: local subscribers get every message as it appears,
// and locally sent messages are pushed fire-and-forget to peers so
// they surface before the next sync tick.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/metrics"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
)

// subscriberBuffer is the per-subscriber channel depth; a subscriber
// that cannot drain fast enough loses messages rather than blocking
// the hub
const subscriberBuffer = 64

// pushFanout bounds concurrent peer pushes
const pushFanout = 8

var (
	ErrEmptyMessage = errors.New("message content is empty")
	ErrTooLong      = fmt.Errorf("message content exceeds %d characters", core.MaxChatContentLen)
)

// Appender persists chat messages, deduplicating by id
type Appender interface {
	AppendChat(msg core.ChatMessage) (bool, error)
}

// Subscription is one local listener, typically a WebSocket
type Subscription struct {
	ch     chan core.ChatMessage
	once   sync.Once
	closed chan struct{}
}

// Messages returns the channel to receive on
func (s *Subscription) Messages() <-chan core.ChatMessage {
	return s.ch
}

// Close stops the subscription and closes the channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

func (s *Subscription) send(msg core.ChatMessage) {
	select {
	case <-s.closed:
	default:
		select {
		case s.ch <- msg:
		default:
			// subscriber too slow, drop
		}
	}
}

// Hub owns the subscriber set and the peer push path
type Hub struct {
	appender Appender
	reg      *registry.Registry
	client   *peer.Client
	selfID   string
	selfName string
	met      *metrics.Metrics
	log      *zap.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub builds the hub. client may be nil in tests; peer pushes are
// then skipped.
func NewHub(appender Appender, reg *registry.Registry, client *peer.Client, selfName string, met *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		appender: appender,
		reg:      reg,
		client:   client,
		selfID:   reg.SelfID(),
		selfName: selfName,
		met:      met,
		log:      log,
		subs:     map[*Subscription]struct{}{},
	}
}

// Subscribe adds a local listener
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ch:     make(chan core.ChatMessage, subscriberBuffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a listener and closes its channel
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.Close()
}

// Subscribers returns the current listener count
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast delivers one message to every local subscriber
func (h *Hub) Broadcast(msg core.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.send(msg)
	}
}

// BroadcastMany delivers merge-introduced messages in order
func (h *Hub) BroadcastMany(msgs []core.ChatMessage) {
	for _, msg := range msgs {
		h.Broadcast(msg)
	}
}

// Send handles a message typed on this node: validate, persist,
// broadcast locally, then push to peers without waiting. The returned
// message carries the assigned id and timestamp.
func (h *Hub) Send(content, clientID string) (core.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return core.ChatMessage{}, ErrEmptyMessage
	}
	if len(content) > core.MaxChatContentLen {
		return core.ChatMessage{}, ErrTooLong
	}

	msg := core.NewChatMessage(h.selfID, h.selfName, content)
	msg.ClientID = clientID

	if _, err := h.appender.AppendChat(msg); err != nil {
		return core.ChatMessage{}, err
	}
	h.Broadcast(msg)

	// fire and forget: the sender's request never waits on peers.
	// Each push carries its own timeout through the client.
	go h.PushToPeers(context.Background(), msg)

	return msg, nil
}

// PushToPeers delivers one message to every trusted connectable peer
// concurrently. Failures are logged and counted, never returned: a
// peer that misses the push receives the message at its next sync.
func (h *Hub) PushToPeers(ctx context.Context, msg core.ChatMessage) {
	if h.client == nil {
		return
	}
	peers, err := h.reg.TrustedConnectable()
	if err != nil {
		h.log.Warn("chat push: listing peers failed", zap.Error(err))
		return
	}
	if len(peers) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pushFanout)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			err := h.client.ChatPush(ctx, p.URL(), peer.ChatPushRequest{
				NodeID:  h.selfID,
				Message: msg,
			})
			if err != nil {
				if h.met != nil {
					h.met.ChatPushFailures.Inc()
				}
				h.log.Debug("chat push failed",
					zap.String("peer", p.NodeID),
					zap.Error(err))
				return nil
			}
			if h.met != nil {
				h.met.ChatPushes.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}
