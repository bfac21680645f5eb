// Package tasks runs operator commands across the mesh: execute
// immediately on this node, or queue for a relay and exchange orders
// and results through its heartbeats. Every record is persisted under
// tasks/ and every execution lands in the audit log.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/audit"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/store"
)

// Status is a task's execution state
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// queueMax bounds the per-node order queue; a relay that never
// heartbeats must not grow it without bound
const queueMax = 32

var (
	ErrQueueFull    = errors.New("task queue for node is full")
	ErrEmptyCommand = errors.New("command is empty")
	ErrNotFound     = errors.New("task not found")
)

// Info is the persisted task record
type Info struct {
	TaskID     string  `json:"task_id"`
	NodeID     string  `json:"node_id"`
	Command    string  `json:"command"`
	Status     Status  `json:"status"`
	ExitCode   int     `json:"exit_code"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	Timeout    float64 `json:"timeout,omitempty"`
	CreatedBy  string  `json:"created_by,omitempty"`
	CreatedAt  float64 `json:"created_at"`
	FinishedAt float64 `json:"finished_at,omitempty"`
}

// NewID builds a task id like "task-3fa9c2d1"
func NewID() string {
	return "task-" + uuid.NewString()[:8]
}

// Service owns both sides of the task exchange. On a hub it queues
// orders for relays and accepts their results; on a relay it executes
// inbound orders and holds results for the next heartbeat.
type Service struct {
	st        *store.Store
	aud       *audit.Log
	selfID    string
	blacklist []string
	log       *zap.Logger

	mu      sync.Mutex
	queues  map[string][]peer.TaskOrder
	results []peer.TaskResult
	wg      sync.WaitGroup
}

// NewService builds the task service. aud may be nil in tests.
func NewService(st *store.Store, aud *audit.Log, selfID string, blacklist []string, log *zap.Logger) *Service {
	return &Service{
		st:        st,
		aud:       aud,
		selfID:    selfID,
		blacklist: blacklist,
		log:       log,
		queues:    map[string][]peer.TaskOrder{},
	}
}

// Wait blocks until in-flight executions finish; used on shutdown
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) docName(taskID string) string {
	return "tasks/" + taskID
}

func (s *Service) save(info Info) error {
	return s.st.Write(s.docName(info.TaskID), info)
}

func (s *Service) record(actor, action, target, detail string) {
	if s.aud == nil {
		return
	}
	if err := s.aud.Record(actor, action, target, detail); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

// Create validates and dispatches a new task. A task for this node
// executes in the background immediately; a task for another node is
// queued until its next heartbeat.
func (s *Service) Create(nodeID, command string, timeout float64, createdBy string) (Info, error) {
	if command == "" {
		return Info{}, ErrEmptyCommand
	}
	if Blacklisted(command, s.blacklist) {
		return Info{}, ErrBlacklisted
	}
	if nodeID == "" {
		nodeID = s.selfID
	}

	info := Info{
		TaskID:    NewID(),
		NodeID:    nodeID,
		Command:   command,
		Status:    StatusPending,
		Timeout:   timeout,
		CreatedBy: createdBy,
		CreatedAt: core.Now(),
	}
	order := peer.TaskOrder{TaskID: info.TaskID, Command: command, Timeout: timeout}

	if nodeID == s.selfID {
		info.Status = StatusRunning
		if err := s.save(info); err != nil {
			return Info{}, err
		}
		s.record(createdBy, "task.create", info.TaskID, command)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLocal(info, order)
		}()
		return info, nil
	}

	s.mu.Lock()
	if len(s.queues[nodeID]) >= queueMax {
		s.mu.Unlock()
		return Info{}, ErrQueueFull
	}
	s.queues[nodeID] = append(s.queues[nodeID], order)
	s.mu.Unlock()

	if err := s.save(info); err != nil {
		return Info{}, err
	}
	s.record(createdBy, "task.create", info.TaskID, fmt.Sprintf("queued for %s: %s", nodeID, command))
	return info, nil
}

// runLocal executes an order on this node and persists the outcome
func (s *Service) runLocal(info Info, order peer.TaskOrder) {
	res := Execute(context.Background(), order)
	info.Status = Status(res.Status)
	info.ExitCode = res.ExitCode
	info.Stdout = res.Stdout
	info.Stderr = res.Stderr
	info.FinishedAt = res.FinishedAt
	if err := s.save(info); err != nil {
		s.log.Warn("persisting task result failed",
			zap.String("task_id", info.TaskID),
			zap.Error(err))
	}
	s.record(s.selfID, "task.execute", info.TaskID,
		fmt.Sprintf("status=%s exit=%d", info.Status, info.ExitCode))
}

// DrainFor hands a relay's queued orders to its heartbeat response and
// flips their records to running
func (s *Service) DrainFor(nodeID string) []peer.TaskOrder {
	s.mu.Lock()
	orders := s.queues[nodeID]
	delete(s.queues, nodeID)
	s.mu.Unlock()

	for _, order := range orders {
		var info Info
		found, err := s.st.Read(s.docName(order.TaskID), &info)
		if err != nil || !found {
			continue
		}
		info.Status = StatusRunning
		if err := s.save(info); err != nil {
			s.log.Warn("persisting task state failed",
				zap.String("task_id", order.TaskID),
				zap.Error(err))
		}
	}
	return orders
}

// AcceptResults folds heartbeat-carried results into their records.
// Results for ids this node never issued are ignored.
func (s *Service) AcceptResults(fromNodeID string, results []peer.TaskResult) {
	for _, res := range results {
		var info Info
		found, err := s.st.Read(s.docName(res.TaskID), &info)
		if err != nil || !found {
			s.log.Warn("result for unknown task",
				zap.String("task_id", res.TaskID),
				zap.String("from", fromNodeID))
			continue
		}
		if info.NodeID != fromNodeID {
			s.log.Warn("result from wrong node",
				zap.String("task_id", res.TaskID),
				zap.String("from", fromNodeID),
				zap.String("assigned", info.NodeID))
			continue
		}
		info.Status = Status(res.Status)
		info.ExitCode = res.ExitCode
		info.Stdout = res.Stdout
		info.Stderr = res.Stderr
		info.FinishedAt = res.FinishedAt
		if err := s.save(info); err != nil {
			s.log.Warn("persisting task result failed",
				zap.String("task_id", res.TaskID),
				zap.Error(err))
		}
		s.record(fromNodeID, "task.result", res.TaskID,
			fmt.Sprintf("status=%s exit=%d", res.Status, res.ExitCode))
	}
}

// HandleOrders executes heartbeat-delivered orders on this node and
// queues the results for the next heartbeat up
func (s *Service) HandleOrders(orders []peer.TaskOrder) {
	for _, order := range orders {
		order := order
		if Blacklisted(order.Command, s.blacklist) {
			s.log.Warn("refusing blacklisted task",
				zap.String("task_id", order.TaskID))
			s.pushResult(peer.TaskResult{
				TaskID:     order.TaskID,
				Status:     string(StatusFailed),
				ExitCode:   -1,
				Stderr:     ErrBlacklisted.Error(),
				FinishedAt: core.Now(),
			})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			res := Execute(context.Background(), order)
			s.record(s.selfID, "task.execute", order.TaskID,
				fmt.Sprintf("status=%s exit=%d", res.Status, res.ExitCode))
			s.pushResult(res)
		}()
	}
}

func (s *Service) pushResult(res peer.TaskResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

// CollectResults takes the finished results accumulated since the
// last heartbeat
func (s *Service) CollectResults() []peer.TaskResult {
	s.mu.Lock()
	out := s.results
	s.results = nil
	s.mu.Unlock()
	return out
}

// Get returns one task record
func (s *Service) Get(taskID string) (Info, error) {
	var info Info
	found, err := s.st.Read(s.docName(taskID), &info)
	if err != nil {
		return Info{}, err
	}
	if !found {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// List returns every task record, newest first
func (s *Service) List() ([]Info, error) {
	names, err := s.st.List("tasks")
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(names))
	for _, name := range names {
		var info Info
		found, err := s.st.Read(name, &info)
		if err != nil || !found {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}
