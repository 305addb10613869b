package httpgrpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowPausesReads(t *testing.T) {
	w := newWindow()
	done := make(chan struct{})
	require.True(t, w.wait(done))

	w.take(recvWindow)
	resumed := make(chan bool, 1)
	go func() {
		resumed <- w.wait(done)
	}()
	select {
	case <-resumed:
		t.Fatal("wait returned with a full window")
	case <-time.After(20 * time.Millisecond):
	}
	w.release(1)
	select {
	case ok := <-resumed:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after bytes were released")
	}

	w.take(1)
	go func() {
		resumed <- w.wait(done)
	}()
	close(done)
	require.False(t, <-resumed)
}
