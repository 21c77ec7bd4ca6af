package blackboard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDefault(t *testing.T) {
	b := New()
	assert.Equal(t, "fallback", b.Get("k", "fallback"))
	b.Set("k", "v")
	assert.Equal(t, "v", b.Get("k", nil))

	b.Set("nil", nil)
	v, ok := b.Lookup("nil")
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestOverlayDoesNotMutate(t *testing.T) {
	b := FromMap(map[string]any{"a": 1, "b": 2})
	out := b.Overlay(map[string]any{"b": 3, "c": 4})
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, out)
	assert.Equal(t, 2, b.Get("b", nil))
	assert.Equal(t, []string{"a", "b"}, b.Keys())
}

func TestSnapshotIsCopy(t *testing.T) {
	b := New()
	b.Set("x", 1)
	snap := b.Snapshot()
	snap["x"] = 2
	assert.Equal(t, 1, b.Get("x", nil))
}

func TestUpdateIsAtomic(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	torn := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := b.Snapshot()
			if s["a"] != s["b"] {
				select {
				case torn <- fmt.Sprintf("a=%v b=%v", s["a"], s["b"]):
				default:
				}
				return
			}
		}
	}()
	for i := 0; i < 2000; i++ {
		b.Update(map[string]any{"a": i, "b": i})
	}
	close(stop)
	wg.Wait()
	select {
	case msg := <-torn:
		t.Fatalf("observed partial update: %s", msg)
	default:
	}
}

func TestGetAs(t *testing.T) {
	b := New()
	b.Set("n", 42)
	n, ok := GetAs[int](b, "n")
	require.True(t, ok)
	assert.Equal(t, 42, n)
	_, ok = GetAs[string](b, "n")
	assert.False(t, ok)
	_, ok = GetAs[int](b, "missing")
	assert.False(t, ok)
}

func TestDeleteAndLen(t *testing.T) {
	b := FromMap(map[string]any{"a": 1})
	b.Delete("a")
	b.Delete("a")
	assert.Zero(t, b.Len())
}

func TestClearAndReplace(t *testing.T) {
	b := FromMap(map[string]any{"a": 1, "b": 2})
	b.Clear()
	assert.Zero(t, b.Len())

	src := map[string]any{"c": 3}
	b.Replace(src)
	src["d"] = 4
	assert.Equal(t, []string{"c"}, b.Keys())

	b.Replace(nil)
	b.Set("e", 5)
	assert.Equal(t, 5, b.Get("e", nil))
}
