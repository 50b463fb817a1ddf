package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUploadAndDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := NewLocal(root, "recordings", nil)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	key := st.Key("a.mp4")
	res, err := st.Upload(ctx, UploadRequest{LocalPath: src, Key: key})
	require.NoError(t, err)
	assert.Equal(t, "recordings/a.mp4", res.RemoteKey)
	assert.EqualValues(t, 10, res.SizeBytes)

	got, err := os.ReadFile(filepath.Join(root, "recordings", "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	require.NoError(t, st.Delete(ctx, key))
	err = st.Delete(ctx, key)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestLocalPutBytes(t *testing.T) {
	root := t.TempDir()
	st, err := NewLocal(root, "", nil)
	require.NoError(t, err)

	key, err := st.PutBytes(context.Background(), "covers/x.jpg", []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "covers/x.jpg", key)
	_, err = os.Stat(filepath.Join(root, "covers", "x.jpg"))
	assert.NoError(t, err)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	st, err := NewLocal(t.TempDir(), "", nil)
	require.NoError(t, err)

	_, err = st.PutBytes(context.Background(), "../outside.txt", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
