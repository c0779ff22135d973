package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/dataflow/pkg/dataflow/registry"
)

func TestRegistry_Basics(t *testing.T) {
	r := registry.New[string, int]()
	assert.Equal(t, 0, r.Len())

	r.Register("output", 2)
	r.Register("input", 1)
	r.Register("input", 10)

	v, ok := r.Get("input")
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.True(t, r.Has("output"))
	assert.Equal(t, []string{"input", "output"}, r.Keys())

	r.Delete("output")
	r.Delete("never-registered")
	assert.False(t, r.Has("output"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CloneIsIndependent(t *testing.T) {
	base := registry.New[string, string]()
	base.Register("map", "builtin")

	clone := base.Clone()
	clone.Register("fetch", "custom")
	base.Register("invoke", "builtin")

	assert.Equal(t, []string{"fetch", "map"}, clone.Keys())
	assert.Equal(t, []string{"invoke", "map"}, base.Keys())
}

func TestRegistry_Merge(t *testing.T) {
	a := registry.New[string, int]()
	a.Register("x", 1)
	a.Register("y", 1)

	b := registry.New[string, int]()
	b.Register("y", 2)
	b.Register("z", 2)

	a.Merge(b)
	a.Merge(nil)
	a.Merge(a)

	assert.Equal(t, []string{"x", "y", "z"}, a.Keys())
	y, _ := a.Get("y")
	assert.Equal(t, 2, y)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := registry.New[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("k%02d", i), i)
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Get(fmt.Sprintf("k%02d", i))
			r.Keys()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
