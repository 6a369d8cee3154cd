package peerconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeLinkDeliversMessages(t *testing.T) {
	a := NewFake()
	b := NewFake()
	Link(a, b)

	require.NoError(t, a.SendMessage([]byte("hello")))

	select {
	case msg := <-b.Inbox():
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	assert.Equal(t, [][]byte{[]byte("hello")}, a.Sent())
}

func TestFakeSendAfterCloseFails(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Close())
	assert.Error(t, f.SendMessage([]byte("x")))
}
