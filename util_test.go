package liveresource

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	list := &CallbackList[func() int]{}

	assert.Equal(t, 0, len(list.Get()))

	aId := list.Add(func() int { return 1 })
	bId := list.Add(func() int { return 2 })

	callbacks := list.Get()
	assert.Equal(t, 2, len(callbacks))
	assert.Equal(t, 1, callbacks[0]())
	assert.Equal(t, 2, callbacks[1]())

	list.Remove(aId)
	callbacks = list.Get()
	assert.Equal(t, 1, len(callbacks))
	assert.Equal(t, 2, callbacks[0]())

	// removing twice is a no-op
	list.Remove(aId)
	assert.Equal(t, 1, len(list.Get()))

	list.Remove(bId)
	assert.Equal(t, 0, len(list.Get()))
}

func TestRequire(t *testing.T) {
	value := 5
	assert.Equal(t, 5, Require(&value))

	defer func() {
		assert.NotEqual(t, nil, recover())
	}()
	var missing *int
	Require(missing)
}

func TestReconnectAfter(t *testing.T) {
	reconnect := NewReconnect(20 * time.Millisecond)
	startTime := time.Now()
	<-reconnect.After()
	elapsed := time.Since(startTime)
	assert.Equal(t, true, elapsed < 5*time.Second)

	// an elapsed timeout fires immediately
	reconnect = NewReconnect(0)
	select {
	case <-reconnect.After():
	case <-time.After(time.Second):
		t.Fatal("expected an immediate fire")
	}
}

func TestNormalizeId(t *testing.T) {
	assert.Equal(t, "5", normalizeId(5))
	assert.Equal(t, "5", normalizeId(float64(5)))
	assert.Equal(t, "5", normalizeId("5"))
	assert.Equal(t, "5.5", normalizeId(5.5))
	assert.Equal(t, "abc", normalizeId("abc"))
	assert.Equal(t, normalizeId(float64(7)), normalizeId(int64(7)))
}

func TestNewId(t *testing.T) {
	a := NewId()
	b := NewId()
	assert.NotEqual(t, a, b)
	assert.Equal(t, 36, len(a.String()))
	assert.Equal(t, 16, len(a.Bytes()))
}

func TestMergeAttrs(t *testing.T) {
	prev := Attrs{"id": 1, "title": "a", "votes": 3}
	next := mergeAttrs(prev, Attrs{"title": "b"})

	assert.Equal(t, "b", next["title"])
	assert.Equal(t, 3, next["votes"])
	// prev is untouched
	assert.Equal(t, "a", prev["title"])

	assert.Equal(t, Attrs{"x": 1}, mergeAttrs(nil, Attrs{"x": 1}))
}
