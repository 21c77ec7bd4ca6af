package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commands(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Command
	}
	return out
}

func TestAddLastBounded(t *testing.T) {
	h := New(3)
	for i := 0; i < 5; i++ {
		h.Add(fmt.Sprintf("cmd %d", i), nil)
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []string{"cmd 2", "cmd 3", "cmd 4"}, commands(h.Last(10)))
	assert.Equal(t, []string{"cmd 4"}, commands(h.Last(1)))
	assert.Nil(t, h.Last(0))
}

func TestAddIgnoresBlankAndCopiesContext(t *testing.T) {
	h := New(0)
	assert.Equal(t, DefaultSize, h.Size())
	h.Add("   ", nil)
	assert.Zero(t, h.Len())

	ctx := map[string]any{"user": "ops"}
	h.Add("status", ctx)
	ctx["user"] = "changed"
	last := h.Last(1)
	require.Len(t, last, 1)
	assert.Equal(t, "ops", last[0].Context["user"])
	assert.False(t, last[0].Time.IsZero())
}

func TestSearchCaseInsensitive(t *testing.T) {
	h := New(10)
	h.Add("run pipeline", nil)
	h.Add("status", nil)
	h.Add("RUN again", nil)
	assert.Equal(t, []string{"run pipeline", "RUN again"}, commands(h.Search("Run")))
	assert.Empty(t, h.Search("nothing"))
}

func TestResizeKeepsNewest(t *testing.T) {
	h := New(4)
	for i := 0; i < 6; i++ {
		h.Add(fmt.Sprintf("c%d", i), nil)
	}
	h.Resize(2)
	assert.Equal(t, []string{"c4", "c5"}, commands(h.Last(5)))
	h.Resize(5)
	h.Add("c6", nil)
	assert.Equal(t, []string{"c4", "c5", "c6"}, commands(h.Last(5)))
}
