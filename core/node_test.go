package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHiveNode_Name(t *testing.T) {
	n := NewHiveNode("key", 1, "0.1.0")
	assert.Equal(t, UnknownNodeName, n.Name())
	n.SetName("worker-3")
	assert.Equal(t, "worker-3", n.Name())
}

func TestHiveNode_RefreshEpochMonotonic(t *testing.T) {
	n := NewHiveNode("key", 1, "0.1.0")
	start := n.RefreshEpoch()

	var wg sync.WaitGroup
	results := make(chan time.Time, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- n.AdvanceRefresh()
		}()
	}
	wg.Wait()
	close(results)

	seen := map[time.Time]bool{}
	for r := range results {
		assert.True(t, r.After(start))
		assert.False(t, seen[r], "epochs must be unique")
		seen[r] = true
	}
	assert.True(t, n.RefreshEpoch().After(start))
}

func TestHiveNode_Flags(t *testing.T) {
	assert := assert.New(t)
	n := NewHiveNode("key", 1, "0.1.0")
	assert.False(n.ShouldExit())

	n.RequestReboot()
	assert.True(n.RebootRequested())
	assert.True(n.ShouldExit())
	assert.True(n.ConsumeReboot())
	assert.False(n.ConsumeReboot())
	assert.False(n.ShouldExit())

	select {
	case <-n.Done():
		t.Fatal("done closed before shutdown")
	default:
	}
	n.RequestShutdown()
	n.RequestShutdown()
	assert.True(n.ShutdownRequested())
	assert.True(n.ShouldExit())
	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after shutdown")
	}
}
