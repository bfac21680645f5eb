package tasks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/logging"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir, err := os.MkdirTemp("", "meshd-tasks-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	require.NoError(t, err)

	blacklist := []string{"rm -rf /", "mkfs"}
	return NewService(st, nil, "self-0001", blacklist, logging.Nop())
}

func TestBlacklisted(t *testing.T) {
	blacklist := []string{"rm -rf /", "mkfs"}
	assert.True(t, Blacklisted("rm -rf / --no-preserve-root", blacklist))
	assert.True(t, Blacklisted("mkfs.ext4 /dev/sda1", blacklist))
	assert.False(t, Blacklisted("ls -la /tmp", blacklist))
	assert.False(t, Blacklisted("echo mk fs", blacklist))
}

func TestExecuteCapturesOutput(t *testing.T) {
	res := Execute(context.Background(), peer.TaskOrder{
		TaskID:  "task-00000001",
		Command: "echo out; echo err >&2",
	})
	assert.Equal(t, string(StatusCompleted), res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Greater(t, res.FinishedAt, 0.0)
}

func TestExecuteNonzeroExit(t *testing.T) {
	res := Execute(context.Background(), peer.TaskOrder{
		TaskID:  "task-00000002",
		Command: "exit 3",
	})
	assert.Equal(t, string(StatusFailed), res.Status)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	start := time.Now()
	res := Execute(context.Background(), peer.TaskOrder{
		TaskID:  "task-00000003",
		Command: "sleep 10",
		Timeout: 0.2,
	})
	assert.Equal(t, string(StatusTimeout), res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCreateRejectsBlacklistedAndEmpty(t *testing.T) {
	s := newTestService(t)

	_, err := s.Create("", "", 0, "admin")
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = s.Create("", "rm -rf /", 0, "admin")
	assert.ErrorIs(t, err, ErrBlacklisted)
}

func TestCreateForSelfExecutes(t *testing.T) {
	s := newTestService(t)

	info, err := s.Create("", "echo hello", 0, "admin")
	require.NoError(t, err)
	assert.Equal(t, "self-0001", info.NodeID)
	assert.Equal(t, StatusRunning, info.Status)
	s.Wait()

	got, err := s.Get(info.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "hello\n", got.Stdout)
	assert.Greater(t, got.FinishedAt, 0.0)
}

func TestQueueDrainAndResults(t *testing.T) {
	s := newTestService(t)

	info, err := s.Create("relay-0001", "uptime", 0, "admin")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)

	// nothing queued for other nodes
	assert.Empty(t, s.DrainFor("relay-0002"))

	orders := s.DrainFor("relay-0001")
	require.Len(t, orders, 1)
	assert.Equal(t, info.TaskID, orders[0].TaskID)

	got, err := s.Get(info.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	// draining twice yields nothing
	assert.Empty(t, s.DrainFor("relay-0001"))

	s.AcceptResults("relay-0001", []peer.TaskResult{{
		TaskID:     info.TaskID,
		Status:     string(StatusCompleted),
		ExitCode:   0,
		Stdout:     "up 3 days",
		FinishedAt: 42,
	}})

	got, err = s.Get(info.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "up 3 days", got.Stdout)
}

func TestAcceptResultsFromWrongNodeIgnored(t *testing.T) {
	s := newTestService(t)

	info, err := s.Create("relay-0001", "uptime", 0, "admin")
	require.NoError(t, err)

	s.AcceptResults("relay-0002", []peer.TaskResult{{
		TaskID: info.TaskID,
		Status: string(StatusCompleted),
		Stdout: "forged",
	}})

	got, err := s.Get(info.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.Stdout)
}

func TestQueueBounded(t *testing.T) {
	s := newTestService(t)
	for i := 0; i < queueMax; i++ {
		_, err := s.Create("relay-0001", "true", 0, "admin")
		require.NoError(t, err)
	}
	_, err := s.Create("relay-0001", "true", 0, "admin")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestHandleOrdersRoundTrip(t *testing.T) {
	s := newTestService(t)

	s.HandleOrders([]peer.TaskOrder{
		{TaskID: "task-aaaa0001", Command: "echo relay"},
		{TaskID: "task-aaaa0002", Command: "rm -rf / tmp"},
	})
	s.Wait()

	results := s.CollectResults()
	require.Len(t, results, 2)
	byID := map[string]peer.TaskResult{}
	for _, r := range results {
		byID[r.TaskID] = r
	}
	assert.Equal(t, string(StatusCompleted), byID["task-aaaa0001"].Status)
	assert.Equal(t, "relay\n", byID["task-aaaa0001"].Stdout)
	assert.Equal(t, string(StatusFailed), byID["task-aaaa0002"].Status)

	// collected once, gone
	assert.Empty(t, s.CollectResults())
}

func TestListNewestFirst(t *testing.T) {
	s := newTestService(t)

	first, err := s.Create("relay-0001", "true", 0, "admin")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := s.Create("relay-0001", "false", 0, "admin")
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.TaskID, list[0].TaskID)
	assert.Equal(t, first.TaskID, list[1].TaskID)

	_, err = s.Get("task-missing1")
	assert.ErrorIs(t, err, ErrNotFound)
}
