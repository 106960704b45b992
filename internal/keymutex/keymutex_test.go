package keymutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializesSameKey(t *testing.T) {
	km := New()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("conv-1")
			counter++
			km.Unlock("conv-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, km.Len(), "entries should be reclaimed after unlock")
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	km := New()
	km.Lock("conv-1")

	done := make(chan struct{})
	go func() {
		km.Lock("conv-2")
		km.Unlock("conv-2")
		close(done)
	}()

	<-done
	km.Unlock("conv-1")
	assert.Equal(t, 0, km.Len())
}
