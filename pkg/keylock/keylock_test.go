package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStriped_SerializesSameKey(t *testing.T) {
	l := New(8)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.With("user-1", func() error {
				v := counter
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, counter)
}

func TestStriped_StableIndex(t *testing.T) {
	l := New(0)
	assert.Len(t, l.stripes, DefaultStripes)
	assert.Equal(t, l.index("abc"), l.index("abc"))
}
