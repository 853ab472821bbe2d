package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCollector_ConcurrentIncrements(t *testing.T) {
	c := NewInMemoryCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncrementCounter("sagas_completed_total")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), c.GetCounter("sagas_completed_total"))

	snap := c.Snapshot()
	snap["sagas_completed_total"] = 0
	assert.Equal(t, int64(50), c.GetCounter("sagas_completed_total"))
}
