package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlot(t *testing.T) {
	s := NewSlot()
	assert.True(t, s.Acquire("/data/hxn"), "passed, first time")
	assert.False(t, s.Acquire("/data/hxn"), "failed, busy")
	assert.False(t, s.Acquire("/data/hxn/"), "failed, same directory")
	assert.True(t, s.Acquire("/data/other"), "passed, different directory")

	s.Release("/data/hxn")
	s.Release("/data/hxn")
	assert.True(t, s.Acquire("/data/hxn"), "passed, released before")
	assert.False(t, s.Acquire("/data/other"), "failed, busy")
}
