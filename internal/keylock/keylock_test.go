package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSameKeyIsSerialized(t *testing.T) {
	require := require.New(t)
	k := New(8)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i != 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.With(func() error {
				c := counter
				counter = c + 1
				return nil
			}, "chat:1")
		}()
	}
	wg.Wait()
	require.Equal(50, counter)
}

func TestMultipleKeysDoNotDeadlock(t *testing.T) {
	k := New(4)
	var wg sync.WaitGroup
	for i := 0; i != 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a", "b", "c")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := k.Lock("c", "b", "a", "a")
			unlock()
		}()
	}
	wg.Wait()
}
