package disklock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/disktool/pkg/diskerr"
)

func testImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	require.NoError(t, os.WriteFile(path, []byte("qcow2"), 0644))
	return path
}

func TestOpenWrite_Exclusive(t *testing.T) {
	t.Parallel()

	path := testImage(t)

	guard, err := OpenWrite(path)
	require.NoError(t, err)
	defer func() { _ = guard.Close() }()

	// 同一镜像的第二把独占锁拿不到
	_, err = OpenWrite(path)
	require.Error(t, err)
	assert.Equal(t, diskerr.Locked, diskerr.CodeOf(err))

	// 共享锁也拿不到
	_, err = OpenRead(path)
	require.Error(t, err)
	assert.Equal(t, diskerr.Locked, diskerr.CodeOf(err))
}

func TestOpenRead_Shared(t *testing.T) {
	t.Parallel()

	path := testImage(t)

	first, err := OpenRead(path)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	// 共享锁可以叠加
	second, err := OpenRead(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	// 有读者时写锁拿不到
	_, err = OpenWrite(path)
	require.Error(t, err)
	assert.Equal(t, diskerr.Locked, diskerr.CodeOf(err))
}

func TestGuard_CloseReleases(t *testing.T) {
	t.Parallel()

	path := testImage(t)

	guard, err := OpenWrite(path)
	require.NoError(t, err)
	require.NoError(t, guard.Close())

	// 释放后可以重新拿
	again, err := OpenWrite(path)
	require.NoError(t, err)
	require.NoError(t, again.Close())

	// 重复 Close 安全
	assert.NoError(t, guard.Close())
	var nilGuard *Guard
	assert.NoError(t, nilGuard.Close())
}

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := OpenWrite(filepath.Join(t.TempDir(), "missing.qcow2"))
	require.Error(t, err)
	assert.Equal(t, diskerr.InvalidHdd, diskerr.CodeOf(err))
}
