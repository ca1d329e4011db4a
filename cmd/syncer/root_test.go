package main

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readlater_sync/internal/domain"
)

type countdownRunner struct {
	left atomic.Int32
}

func (r *countdownRunner) IsSyncRunning() bool {
	return r.left.Add(-1) >= 0
}

func TestWaitForIdle(t *testing.T) {
	r := &countdownRunner{}
	r.left.Store(3)

	ok := waitForIdle(r, time.Millisecond, make(chan os.Signal))
	assert.True(t, ok)
	assert.Negative(t, r.left.Load())
}

func TestWaitForIdle_SecondSignal(t *testing.T) {
	r := &countdownRunner{}
	r.left.Store(1 << 30)

	abort := make(chan os.Signal, 1)
	abort <- os.Interrupt
	assert.False(t, waitForIdle(r, time.Hour, abort))
}

func TestParseResolution(t *testing.T) {
	st, err := parseResolution("local_wins")
	require.NoError(t, err)
	assert.Equal(t, domain.LocalWins, st)

	_, err = parseResolution("MANUAL")
	assert.Error(t, err)
	_, err = parseResolution("newest")
	assert.Error(t, err)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "sync", "up", "down", "add", "mark", "rm", "ls", "conflicts", "resolve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
