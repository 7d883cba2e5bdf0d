package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameTableRegisterAndLookup(t *testing.T) {
	nt := NewNameTable()
	called := false
	nt.Register("print", func(m *Memory, args, ret Object) { called = true })

	handler, ok := nt.Lookup("print")
	assert.True(t, ok)
	handler(nil, Object{}, Object{})
	assert.True(t, called)
}

func TestNameTableLookupMissing(t *testing.T) {
	nt := NewNameTable()
	_, ok := nt.Lookup("nope")
	assert.False(t, ok)
}

func TestNameTableChainDoesNotLeak(t *testing.T) {
	nt := NewNameTable()
	nt.Register("a", func(m *Memory, args, ret Object) {})
	nt.Register("b", func(m *Memory, args, ret Object) {})

	_, okA := nt.Lookup("a")
	_, okB := nt.Lookup("b")
	assert.True(t, okA, "registering b must not drop a's chain entry")
	assert.True(t, okB)
}

func TestNameTableReregisterShadowsOldHandler(t *testing.T) {
	nt := NewNameTable()
	nt.Register("f", func(m *Memory, args, ret Object) {})
	newCalled := false
	nt.Register("f", func(m *Memory, args, ret Object) { newCalled = true })

	handler, ok := nt.Lookup("f")
	assert.True(t, ok)
	handler(nil, Object{}, Object{})
	assert.True(t, newCalled)
}

func TestDjb2KnownValue(t *testing.T) {
	// djb2("") == 5381, the canonical seed with no input.
	assert.Equal(t, uint32(5381), djb2(""))
}
