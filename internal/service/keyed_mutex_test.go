package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex

	unlockA := k.Lock("i-1")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("i-1")
		close(acquired)
		unlock()
	}()

	unlockB := k.Lock("i-2")
	unlockB()

	select {
	case <-acquired:
		t.Fatal("second holder of i-1 got the lock early")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired i-1")
	}

	assert.Eventually(t, func() bool { return k.len() == 0 }, time.Second, 5*time.Millisecond)
}
