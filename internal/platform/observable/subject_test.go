package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject_GetReturnsInitial(t *testing.T) {
	s := New(42)
	assert.Equal(t, 42, s.Get())
}

func TestSubject_SetNotifiesInOrder(t *testing.T) {
	s := New("")
	var got []string

	s.Subscribe(func(v string) { got = append(got, "a:"+v) })
	s.Subscribe(func(v string) { got = append(got, "b:"+v) })

	s.Set("x")

	assert.Equal(t, "x", s.Get())
	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestSubject_Unsubscribe(t *testing.T) {
	s := New(0)
	calls := 0
	unsubscribe := s.Subscribe(func(int) { calls++ })

	s.Set(1)
	unsubscribe()
	unsubscribe()
	s.Set(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, s.Get())
}
