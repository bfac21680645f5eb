package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
)

// JoinPhase tracks an outbound join through its lifecycle
type JoinPhase string

const (
	PhaseIdle    JoinPhase = "none"
	PhasePolling JoinPhase = "polling"
	PhaseTrusted JoinPhase = "trusted"
	PhaseKicked  JoinPhase = "kicked"
	PhaseFailed  JoinPhase = "failed"
)

// JoinState is the coordinator's view of the current join, exposed
// over the operator API
type JoinState struct {
	Phase     JoinPhase `json:"phase"`
	TargetURL string    `json:"target_url,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	StartedAt float64   `json:"started_at,omitempty"`
}

var (
	ErrJoinSelf          = errors.New("cannot join this node itself")
	ErrInviteKeyMismatch = errors.New("target public key does not match the invite")
)

// Joiner drives the outbound join: handshake the target, request
// admission, poll until the remote operator decides, then adopt the
// mesh snapshot. A join pending across a restart resumes from the
// persisted waiting_approval record.
type Joiner struct {
	cfg    *config.Config
	reg    *registry.Registry
	client *peer.Client
	id     *identity.Identity
	engine *Engine
	log    *zap.Logger

	mu     sync.Mutex
	state  JoinState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJoiner wires the coordinator
func NewJoiner(cfg *config.Config, reg *registry.Registry, client *peer.Client, id *identity.Identity, engine *Engine, log *zap.Logger) *Joiner {
	return &Joiner{
		cfg:    cfg,
		reg:    reg,
		client: client,
		id:     id,
		engine: engine,
		log:    log,
		state:  JoinState{Phase: PhaseIdle},
	}
}

// State returns the current join state
func (j *Joiner) State() JoinState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Joiner) setState(s JoinState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Stop cancels any in-flight poll loop
func (j *Joiner) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}

// selfHandshake builds our public identity from the self record
func (j *Joiner) selfHandshake() (peer.Handshake, error) {
	rec, ok, err := j.reg.Self()
	if err != nil {
		return peer.Handshake{}, err
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

// Join starts an outbound join against targetURL. Returns the state
// after the initial request: polling when the remote queued us,
// trusted when it already knew us, an error otherwise.
func (j *Joiner) Join(ctx context.Context, targetURL string) (JoinState, error) {
	return j.join(ctx, targetURL, "")
}

// JoinInvite joins through a signed invite, pinning the issuer's
// public key: a target answering with any other key is refused.
func (j *Joiner) JoinInvite(ctx context.Context, inv peer.Invite) (JoinState, error) {
	return j.join(ctx, inv.URL, inv.PublicKey)
}

func (j *Joiner) join(ctx context.Context, targetURL, pinnedKey string) (JoinState, error) {
	remote, err := j.client.Handshake(ctx, targetURL)
	if err != nil {
		s := JoinState{Phase: PhaseFailed, TargetURL: targetURL, Message: err.Error()}
		j.setState(s)
		return s, fmt.Errorf("handshake with %s: %w", targetURL, err)
	}
	if pinnedKey != "" && remote.PublicKey != pinnedKey {
		s := JoinState{
			Phase:     PhaseFailed,
			TargetURL: targetURL,
			TargetID:  remote.NodeID,
			Message:   "target public key does not match the invite",
		}
		j.setState(s)
		return s, fmt.Errorf("join %s: %w", targetURL, ErrInviteKeyMismatch)
	}
	if remote.NodeID == j.reg.SelfID() {
		s := JoinState{Phase: PhaseFailed, TargetURL: targetURL, Message: ErrJoinSelf.Error()}
		j.setState(s)
		return s, ErrJoinSelf
	}

	self, err := j.selfHandshake()
	if err != nil {
		return JoinState{}, err
	}

	resp, err := j.client.JoinRequest(ctx, targetURL, self)
	if err != nil {
		var se *peer.StatusError
		if errors.As(err, &se) && se.Code == http.StatusForbidden {
			// the remote remembers kicking us; absorbing, no retry
			s := JoinState{
				Phase:     PhaseKicked,
				TargetURL: targetURL,
				TargetID:  remote.NodeID,
				Message:   se.Message,
			}
			j.setState(s)
			return s, fmt.Errorf("join rejected by %s: %w", remote.NodeID, err)
		}
		s := JoinState{Phase: PhaseFailed, TargetURL: targetURL, Message: err.Error()}
		j.setState(s)
		return s, fmt.Errorf("join request to %s: %w", targetURL, err)
	}

	target := remote.Record()
	switch resp.Status {
	case string(registry.JoinTrusted):
		if err := j.finalize(ctx, target, resp.Nodes); err != nil {
			return JoinState{}, err
		}
		s := JoinState{Phase: PhaseTrusted, TargetURL: targetURL, TargetID: target.NodeID, StartedAt: core.Now()}
		j.setState(s)
		return s, nil

	default:
		if err := j.reg.SaveJoinTarget(target, core.TrustWaitingApproval); err != nil {
			return JoinState{}, err
		}
		s := JoinState{
			Phase:     PhasePolling,
			TargetURL: targetURL,
			TargetID:  target.NodeID,
			Message:   resp.Message,
			StartedAt: core.Now(),
		}
		j.setState(s)
		j.startPoll(target)
		j.log.Info("join request pending",
			zap.String("target", target.NodeID),
			zap.String("url", targetURL))
		return s, nil
	}
}

// Resume restarts polling for joins that were pending when the node
// last shut down
func (j *Joiner) Resume() error {
	waiting, err := j.reg.WaitingApproval()
	if err != nil {
		return err
	}
	for _, target := range waiting {
		j.setState(JoinState{
			Phase:     PhasePolling,
			TargetURL: target.URL(),
			TargetID:  target.NodeID,
			StartedAt: core.Now(),
		})
		j.startPoll(target)
		j.log.Info("resuming pending join", zap.String("target", target.NodeID))
	}
	return nil
}

func (j *Joiner) startPoll(target core.NodeRecord) {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.pollLoop(ctx, target)
	}()
}

// pollLoop checks the join status every heartbeat interval until the
// remote operator decides. Transient errors keep the loop alive; only
// a decision or an identity conflict ends it.
func (j *Joiner) pollLoop(ctx context.Context, target core.NodeRecord) {
	for {
		if !sleepCtx(ctx, j.cfg.HeartbeatInterval()) {
			return
		}

		resp, err := j.client.JoinStatus(ctx, target.URL(), j.reg.SelfID(), j.id.PublicKey())
		if err != nil {
			var se *peer.StatusError
			switch {
			case errors.As(err, &se) && se.Code == http.StatusNotFound:
				// the remote lost our request, ask again
				if self, herr := j.selfHandshake(); herr == nil {
					_, _ = j.client.JoinRequest(ctx, target.URL(), self)
				}
			case errors.As(err, &se) && se.Code == http.StatusForbidden:
				j.log.Warn("join poll rejected",
					zap.String("target", target.NodeID),
					zap.String("reason", se.Message))
				j.setState(JoinState{
					Phase:     PhaseFailed,
					TargetURL: target.URL(),
					TargetID:  target.NodeID,
					Message:   se.Message,
				})
				return
			default:
				j.log.Debug("join poll failed",
					zap.String("target", target.NodeID),
					zap.Error(err))
			}
			continue
		}

		switch resp.Status {
		case string(registry.JoinTrusted):
			if err := j.finalize(ctx, target, resp.Nodes); err != nil {
				j.log.Warn("adopting mesh snapshot failed", zap.Error(err))
				continue
			}
			j.setState(JoinState{
				Phase:     PhaseTrusted,
				TargetURL: target.URL(),
				TargetID:  target.NodeID,
			})
			j.log.Info("join approved", zap.String("target", target.NodeID))
			return

		case string(registry.JoinKicked):
			// absorbing: drop the waiting record so a restart does not
			// resume a poll that can never succeed
			if err := j.reg.Delete(target.NodeID); err != nil {
				j.log.Warn("removing join target failed", zap.Error(err))
			}
			j.setState(JoinState{
				Phase:     PhaseKicked,
				TargetURL: target.URL(),
				TargetID:  target.NodeID,
				Message:   "kicked from the mesh",
			})
			j.log.Warn("join denied, node was kicked", zap.String("target", target.NodeID))
			return
		}
	}
}

// finalize flips the target to trusted, adopts the mesh snapshot and
// kicks off an immediate sync so the new node converges right away
func (j *Joiner) finalize(ctx context.Context, target core.NodeRecord, nodes map[string]core.NodeRecord) error {
	if err := j.reg.SaveJoinTarget(target, core.TrustTrusted); err != nil {
		return err
	}
	if len(nodes) > 0 {
		if err := j.reg.AdoptSnapshot(nodes); err != nil {
			return err
		}
	}
	if j.engine != nil {
		go j.engine.TriggerSync(context.WithoutCancel(ctx))
	}
	return nil
}
