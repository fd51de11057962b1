package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitter(t *testing.T) {
	base, max := time.Second, time.Minute
	for attempt := 0; attempt <= 10; attempt++ {
		n := attempt
		if n < 1 {
			n = 1
		}
		want := base << (n - 1)
		if want > max {
			want = max
		}
		for i := 0; i < 20; i++ {
			got := ExponentialJitter(base, max, attempt)
			assert.GreaterOrEqual(t, got, want-want/5, "attempt %d", attempt)
			assert.Less(t, got, want+want/5+1, "attempt %d", attempt)
		}
	}
}

func TestExponentialJitterZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, 0, 3))
}
