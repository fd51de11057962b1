package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidate(t *testing.T) {
	cases := []struct {
		name string
		task Task
		ok   bool
	}{
		{"valid", Task{Type: "change", ID: "42"}, true},
		{"missing type", Task{ID: "42"}, false},
		{"missing id", Task{Type: "change"}, false},
		{"comma in type", Task{Type: "a,b", ID: "1"}, false},
		{"newline in id", Task{Type: "change", ID: "1\n2"}, false},
		{"comma in id", Task{Type: "change", ID: "1,2"}, true},
		{"blank id", Task{Type: "change", ID: "  "}, false},
		{"blank type", Task{Type: " ", ID: "1"}, false},
		{"header at limit", Task{Type: "change", ID: strings.Repeat("x", MaxHeaderBytes-8)}, true},
		{"header over limit", Task{Type: "change", ID: strings.Repeat("x", MaxHeaderBytes-7)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}

func TestFilter(t *testing.T) {
	now := time.Unix(1000, 0)
	past, future := now.Add(-time.Second), now.Add(time.Hour)

	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)

	f, err = ParseFilter("Current")
	require.NoError(t, err)
	assert.True(t, f.Match(past, now))
	assert.True(t, f.Match(now, now))
	assert.False(t, f.Match(future, now))

	assert.True(t, FilterFuture.Match(future, now))
	assert.False(t, FilterFuture.Match(now, now))

	_, err = ParseFilter("bogus")
	assert.Error(t, err)
}
