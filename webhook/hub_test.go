package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/testutil"
)

// stalledConn accepts no writes until it is closed.
type stalledConn struct {
	release chan struct{}
	once    sync.Once
}

func newStalledConn() *stalledConn { return &stalledConn{release: make(chan struct{})} }

func (c *stalledConn) WriteMessage(int, []byte) error {
	<-c.release
	return errors.New("connection closed")
}

func (c *stalledConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

type recordingConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	got      chan struct{}
}

func newRecordingConn() *recordingConn { return &recordingConn{got: make(chan struct{}, 16)} }

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.messages = append(c.messages, data)
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestStalledListenerDoesNotDelayPublish(t *testing.T) {
	f := testutil.NewFixture(t)
	hub := NewHub()
	pub := NewPublisher(f.DB, Config{EncryptionKey: testEncryptionKey}, nil, hub)

	stalled := hub.Register(f.Org.ID, newStalledConn())
	require.Equal(t, 1, hub.Listeners(f.Org.ID))

	finished := make(chan error, 1)
	go func() {
		for i := 0; i < listenerQueue*3; i++ {
			if _, err := pub.Publish(context.Background(), PublishRequest{
				EventName:      EventMessageDelivered,
				OrganizationID: f.Org.ID,
				Payload:        map[string]interface{}{"n": i},
			}); err != nil {
				finished <- err
				return
			}
		}
		finished <- nil
	}()

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publishing stalled behind a listener that never reads")
	}

	assert.Equal(t, 0, hub.Listeners(f.Org.ID))
	done := make(chan struct{})
	go func() {
		stalled.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer of a dropped listener did not exit")
	}
}

func TestBroadcastReachesOnlyTheOrganization(t *testing.T) {
	hub := NewHub()
	mine := newRecordingConn()
	theirs := newRecordingConn()
	l1 := hub.Register(1, mine)
	l2 := hub.Register(2, theirs)

	env := Envelope{EventName: "lead.created", OrganizationID: "1", Payload: json.RawMessage(`{"lead_id":7}`)}
	hub.Broadcast(1, env)

	select {
	case <-mine.got:
	case <-time.After(time.Second):
		t.Fatal("listener received nothing")
	}
	l1.Close()
	l2.Close()

	require.Len(t, mine.messages, 1)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(mine.messages[0], &decoded))
	assert.Equal(t, "lead.created", decoded.EventName)
	assert.Empty(t, theirs.messages)
	assert.True(t, mine.closed)
	assert.Equal(t, 0, hub.Listeners(1))
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	l := hub.Register(3, newRecordingConn())
	l.Close()
	l.Close()
	hub.Broadcast(3, Envelope{EventName: "lead.created"})
	assert.Equal(t, 0, hub.Listeners(3))
}
