package pathlock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var wg sync.WaitGroup
	counter := [3]int{}
	lock := New()
	const (
		outer = 10
		inner = 50
	)
	for k := 0; k < outer; k++ {
		for j := range counter {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				key := fmt.Sprintf("%d", j)
				for i := 0; i < inner; i++ {
					lock.Lock(key)
					n := counter[j]
					time.Sleep(time.Millisecond)
					counter[j] = n + 1
					lock.Unlock(key)
				}
			}(j)
		}
	}
	wg.Wait()
	for _, c := range counter {
		assert.Equal(t, outer*inner, c)
	}
}

func TestUnlockBeforeLockPanics(t *testing.T) {
	lock := New()
	assert.Panics(t, func() { lock.Unlock("missing") })
}
