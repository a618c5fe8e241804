package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/disktool/pkg/abort"
	"github.com/jimyag/disktool/pkg/diskerr"
)

func skipWithout(t *testing.T, program string) {
	t.Helper()
	if _, err := exec.LookPath(program); err != nil {
		t.Skipf("%s not found in PATH, skipping test", program)
	}
}

func TestCommand_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "qemu-img", Command{Program: "qemu-img"}.String())
	assert.Equal(t, "qemu-img resize disk.qcow2 10M",
		Command{Program: "qemu-img", Args: []string{"resize", "disk.qcow2", "10M"}}.String())
}

func TestReal_Run(t *testing.T) {
	skipWithout(t, "sh")
	t.Parallel()

	r := NewReal(nil)

	t.Run("zero exit code", func(t *testing.T) {
		t.Parallel()
		res, err := r.Query(context.Background(), Command{
			Program: "sh", Args: []string{"-c", "exit 0"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("non-zero exit code returned verbatim", func(t *testing.T) {
		t.Parallel()
		res, err := r.Query(context.Background(), Command{
			Program: "sh", Args: []string{"-c", "exit 3"},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("captures stdout and stderr", func(t *testing.T) {
		t.Parallel()
		res, err := r.Query(context.Background(), Command{
			Program:       "sh",
			Args:          []string{"-c", "echo out; echo err >&2"},
			CaptureStdout: true,
			CaptureStderr: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "out\n", string(res.Stdout))
		assert.Equal(t, "err\n", string(res.Stderr))
	})

	t.Run("missing program", func(t *testing.T) {
		t.Parallel()
		_, err := r.Query(context.Background(), Command{
			Program: "definitely-not-a-real-program-12345",
		})
		require.Error(t, err)
	})
}

func TestReal_Timeout(t *testing.T) {
	skipWithout(t, "sleep")
	t.Parallel()

	r := NewReal(nil)
	start := time.Now()
	res, err := r.Query(context.Background(), Command{
		Program:  "sleep",
		Args:     []string{"30"},
		TimeoutS: 1,
	})
	require.Error(t, err)
	assert.Equal(t, diskerr.SubprogramFailed, diskerr.CodeOf(err))
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestReal_Cancel(t *testing.T) {
	skipWithout(t, "sleep")
	t.Parallel()

	token := &abort.Token{}
	token.Cancel()
	r := NewReal(token)

	start := time.Now()
	_, err := r.Query(context.Background(), Command{
		Program: "sleep",
		Args:    []string{"30"},
	})
	require.Error(t, err)
	assert.Equal(t, diskerr.Cancelled, diskerr.CodeOf(err))
	// 取消延迟 ≤ 1 秒加回收时间
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestReal_RenameRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewReal(nil)
	ctx := context.Background()

	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0644))

	// 已存在的目标被覆盖
	require.NoError(t, r.Rename(ctx, src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, src)

	require.NoError(t, r.Remove(ctx, dst))
	assert.NoFileExists(t, dst)

	// 删除不存在的文件不算错误
	require.NoError(t, r.Remove(ctx, filepath.Join(dir, "nothing")))
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	d := NewDryRun(NewReal(nil))
	ctx := context.Background()

	t.Run("mutate does not execute", func(t *testing.T) {
		t.Parallel()
		res, err := d.Mutate(ctx, Command{
			Program: "definitely-not-a-real-program-12345",
			Args:    []string{"--wipe-everything"},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("rename and remove do not touch files", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "keep")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

		require.NoError(t, d.Rename(ctx, path, filepath.Join(dir, "other")))
		require.NoError(t, d.Remove(ctx, path))
		assert.FileExists(t, path)
	})

	t.Run("exec returns instead of replacing the process", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, d.Exec("ploop", []string{"resize"}))
	})
}
