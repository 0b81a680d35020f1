package ws

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: time.Second}

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.Next(errors.New("refused"))
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
	assert.Equal(t, time.Second, b.Next(nil))
	assert.Equal(t, 5, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 100*time.Millisecond, b.Next(nil))
}
