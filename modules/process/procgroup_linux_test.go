//go:build linux

package process

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveInGroup lists pids of non-zombie processes in process group pgid.
func liveInGroup(t *testing.T, pgid int) []int {
	t.Helper()
	entries, err := os.ReadDir("/proc")
	require.NoError(t, err)
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		// pid (comm) state ppid pgrp ...
		rest := string(stat[strings.LastIndexByte(string(stat), ')')+1:])
		fields := strings.Fields(rest)
		if len(fields) < 3 || fields[0] == "Z" {
			continue
		}
		if g, err := strconv.Atoi(fields[2]); err == nil && g == pgid {
			pids = append(pids, pid)
		}
	}
	return pids
}

func TestExec_TimeoutKillsDescendants(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "scheduler.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer logFile.Close()

	spec := shell("(sleep 37; echo late) ; true")
	spec.Output = logFile
	spec.Timeout = 200 * time.Millisecond

	p, err := NewExec().Start(context.Background(), spec)
	require.NoError(t, err)
	res := p.Wait()
	assert.True(t, res.TimedOut)

	assert.Eventually(t, func() bool {
		return len(liveInGroup(t, p.Pid())) == 0
	}, 2*time.Second, 20*time.Millisecond, "descendants of a timed out job survived")
}

func TestExec_TimeoutStopsLogWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "scheduler.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer logFile.Close()

	spec := shell("echo early; (sleep 0.5; echo late) ; true")
	spec.Output = logFile
	spec.Timeout = 200 * time.Millisecond

	res := NewExec().Run(context.Background(), spec)
	require.True(t, res.TimedOut)

	time.Sleep(800 * time.Millisecond)
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "early")
	assert.NotContains(t, string(content), "late")
}
