package delivery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxWriterDeliver(t *testing.T) {
	root := t.TempDir()
	w, err := NewMailboxWriter(root)
	require.NoError(t, err)

	path, err := w.Deliver(context.Background(), "msg-1", "Alice@Example.COM", []byte("Subject: hi\r\n\r\nbody"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "example.com", "alice", "new", "msg-1.eml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Delivered-To: alice@example.com\r\nSubject: hi\r\n\r\nbody", string(data))

	staged, err := os.ReadDir(filepath.Join(root, "example.com", "alice", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, staged)
	assert.DirExists(t, filepath.Join(root, "example.com", "alice", "cur"))
}

func TestMailboxWriterRejectsUnsafeAddresses(t *testing.T) {
	w, err := NewMailboxWriter(t.TempDir())
	require.NoError(t, err)

	for _, addr := range []string{"../etc@example.com", "a/b@example.com", "alice@..", "alice", "@example.com"} {
		_, err := w.Deliver(context.Background(), "msg-1", addr, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidRecipient, addr)
		assert.Equal(t, Permanent, Classify(err), addr)
	}
	_, err = w.Deliver(context.Background(), "../x", "alice@example.com", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestMailboxWriterQuarantine(t *testing.T) {
	root := t.TempDir()
	w, err := NewMailboxWriter(root)
	require.NoError(t, err)

	path, err := w.Quarantine(context.Background(), "msg-2", "Example.com", "dmarc\r\nX-Evil: yes", []byte("Subject: x\r\n\r\nbody"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, QuarantineDir, "example.com", "msg-2.eml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "X-Quarantine-Reason: dmarc X-Evil: yes\r\nSubject: x\r\n\r\nbody", string(data))
}

func TestMailboxWriterCancelled(t *testing.T) {
	w, err := NewMailboxWriter(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Deliver(ctx, "msg-1", "alice@example.com", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
