package ops

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/disktool/internal/disktool/config"
	"github.com/jimyag/disktool/pkg/abort"
	"github.com/jimyag/disktool/pkg/guestfs"
	"github.com/jimyag/disktool/pkg/qemuimg"
	"github.com/jimyag/disktool/pkg/runner"
)

const (
	testImagePath = "/images/disk.qcow2"
	gib           = uint64(1024 * 1024 * 1024)
)

// scriptedRunner 按命令行前缀给出预置输出
type scriptedRunner struct {
	t       *testing.T
	outputs map[string]string
	mutates []string
}

func (s *scriptedRunner) key(cmd runner.Command) string {
	key := cmd.Program + " " + strings.Join(cmd.Args, " ")
	// guestfish 的会话号不参与匹配
	key = strings.Replace(key, "--remote=42 -- ", "", 1)
	return key
}

func (s *scriptedRunner) Query(_ context.Context, cmd runner.Command) (runner.Result, error) {
	key := s.key(cmd)
	out, ok := s.outputs[key]
	if !ok {
		s.t.Fatalf("unexpected query: %q", key)
	}
	if out == "!fail" {
		return runner.Result{ExitCode: 1}, nil
	}
	return runner.Result{Stdout: []byte(out)}, nil
}

func (s *scriptedRunner) Mutate(_ context.Context, cmd runner.Command) (runner.Result, error) {
	s.mutates = append(s.mutates, s.key(cmd))
	return runner.Result{}, nil
}

func (s *scriptedRunner) Rename(_ context.Context, _, _ string) error { return nil }
func (s *scriptedRunner) Remove(_ context.Context, _ string) error    { return nil }
func (s *scriptedRunner) Exec(_ string, _ []string) error             { return nil }

var _ runner.Runner = (*scriptedRunner)(nil)

// ext4Outputs 10 GiB 的 ext4 镜像，唯一的分区铺满整个盘
func ext4Outputs() map[string]string {
	partList := fmt.Sprintf(`[0] = {
  part_num: 1
  part_start: 1048576
  part_end: %d
  part_size: %d
}
`, 10*gib-1, 10*gib-1048576)

	return map[string]string{
		"guestfish --listen -a " + testImagePath:          "GUESTFISH_PID=42; export GUESTFISH_PID\n",
		"guestfish --listen -a " + testImagePath + " --ro": "GUESTFISH_PID=42; export GUESTFISH_PID\n",
		"guestfish run":                          "",
		"guestfish part-get-parttype /dev/sda":   "msdos\n",
		"guestfish part-list /dev/sda":           partList,
		"guestfish part-get-bootable /dev/sda 1": "true\n",
		"guestfish part-get-mbr-id /dev/sda 1":   "0x83\n",
		"guestfish blockdev-getss /dev/sda":      "512\n",
		"guestfish list-filesystems":             "/dev/sda1: ext4\n",
		"guestfish vfs-minimum-size /dev/sda1":   fmt.Sprintf("%d\n", gib+gib/2),
		"guestfish exit":                         "",
	}
}

func testEnv(t *testing.T, outputs map[string]string) (*Env, *scriptedRunner) {
	t.Helper()
	run := &scriptedRunner{t: t, outputs: outputs}
	cfg := &config.Config{
		QemuImg:      "qemu-img",
		Guestfish:    "guestfish",
		VirtResize:   "virt-resize",
		VirtSparsify: "virt-sparsify",
		Ploop:        "ploop",
	}
	return NewEnv(cfg, run, &abort.Token{}), run
}

func testHelper(env *Env) *resizeHelper {
	return &resizeHelper{env: env, image: qemuimg.Image{
		Filename:    testImagePath,
		VirtualSize: 10 * gib,
		ActualSize:  2 * gib,
		Format:      "qcow2",
	}}
}

func TestSelectMode(t *testing.T) {
	t.Parallel()

	t.Run("consider shrink on supported fs", func(t *testing.T) {
		t.Parallel()
		env, _ := testEnv(t, ext4Outputs())
		helper := testHelper(env)
		mode, err := helper.selectModeConsider(context.Background(), 5*gib)
		require.NoError(t, err)
		assert.Equal(t, considerShrink, mode)
	})

	t.Run("consider expand on supported fs", func(t *testing.T) {
		t.Parallel()
		env, _ := testEnv(t, ext4Outputs())
		helper := testHelper(env)
		mode, err := helper.selectModeConsider(context.Background(), 20*gib)
		require.NoError(t, err)
		assert.Equal(t, considerExpand, mode)
	})

	t.Run("unsupported fs falls back to ignore", func(t *testing.T) {
		t.Parallel()
		outputs := ext4Outputs()
		outputs["guestfish list-filesystems"] = "/dev/sda1: vfat\n"
		env, _ := testEnv(t, outputs)
		helper := testHelper(env)
		mode, err := helper.selectModeConsider(context.Background(), 5*gib)
		require.NoError(t, err)
		assert.Equal(t, ignoreShrinkVirt, mode)
	})

	t.Run("no partition table shrink truncates", func(t *testing.T) {
		t.Parallel()
		outputs := ext4Outputs()
		outputs["guestfish part-get-parttype /dev/sda"] = "!fail"
		env, _ := testEnv(t, outputs)
		helper := testHelper(env)
		mode, err := helper.selectModeConsider(context.Background(), 5*gib)
		require.NoError(t, err)
		assert.Equal(t, ignoreShrinkTruncate, mode)
	})

	t.Run("ignore expand plain table", func(t *testing.T) {
		t.Parallel()
		env, _ := testEnv(t, ext4Outputs())
		helper := testHelper(env)
		mode, err := helper.selectModeIgnore(context.Background(), 20*gib)
		require.NoError(t, err)
		assert.Equal(t, ignoreExpand, mode)
	})

	t.Run("ignore expand gpt moves backup header", func(t *testing.T) {
		t.Parallel()
		outputs := ext4Outputs()
		outputs["guestfish part-get-parttype /dev/sda"] = "gpt\n"
		env, _ := testEnv(t, outputs)
		helper := testHelper(env)
		mode, err := helper.selectModeIgnore(context.Background(), 20*gib)
		require.NoError(t, err)
		assert.Equal(t, ignoreExpandGpt, mode)
	})
}

func TestResizeData_Ext4(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, ext4Outputs())
	helper := testHelper(env)

	data, err := helper.resizeData(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10*gib, data.CurrentSize)
	assert.True(t, data.FsSupported)
	assert.False(t, data.Dirty)
	assert.Equal(t, "/dev/sda1", data.LastPartition)

	// overhead: max(2048, 4096) + (1+1)*128 + 64 = 4416 扇区 → 3 MiB
	overhead := uint64(3 * 1024 * 1024)
	assert.Equal(t, 10*gib+overhead, data.MinSizeKeepFS)

	// current − (分区大小 + tail) + fs 最小值 + overhead
	fsMin := gib + gib/2
	expectedMin := 10*gib - (10*gib - 1048576) + fsMin + overhead
	assert.Equal(t, expectedMin, data.MinSize)
}

func TestResizeData_NoPartitions(t *testing.T) {
	t.Parallel()

	outputs := ext4Outputs()
	outputs["guestfish part-get-parttype /dev/sda"] = "!fail"
	env, _ := testEnv(t, outputs)
	helper := testHelper(env)

	data, err := helper.resizeData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), data.MinSizeKeepFS)
	assert.Equal(t, 10*gib, data.MinSize)
	assert.Empty(t, data.LastPartition)
}

func TestResizeData_DirtyNtfs(t *testing.T) {
	t.Parallel()

	outputs := ext4Outputs()
	outputs["guestfish list-filesystems"] = "/dev/sda1: ntfs\n"
	outputs["guestfish vfs-minimum-size /dev/sda1"] = "!fail"
	outputs["guestfish mount-ro /dev/sda1 /"] = ""
	outputs["guestfish umount /"] = ""
	outputs["guestfish statvfs /"] = `bsize: 4096
frsize: 4096
blocks: 2621440
bfree: 2359296
bavail: 2228224
`
	env, _ := testEnv(t, outputs)
	helper := testHelper(env)

	data, err := helper.resizeData(context.Background())
	require.NoError(t, err)
	assert.True(t, data.Dirty)
	assert.True(t, data.FsSupported)

	// statvfs 估算：(blocks − bfree)·frsize
	used := uint64(2621440-2359296) * 4096
	overhead := uint64(3 * 1024 * 1024)
	expectedMin := 10*gib - (10*gib - 1048576) + used + overhead
	assert.Equal(t, expectedMin, data.MinSize)
}

func TestCalculateNewPartition(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, nil)
	helper := testHelper(env)

	p := guestfs.Partition{
		Name: "/dev/sda1", Index: 1,
		Start: 1048576, End: 10*gib - 1, Size: 10*gib - 1048576,
		MBR: &guestfs.MBRAttrs{ID: 0x83},
	}

	t.Run("mbr grows to end of disk", func(t *testing.T) {
		t.Parallel()
		got := helper.calculateNewPartition(p, 20*gib, 512, guestfs.TableMBR)
		assert.Equal(t, uint64(1048576), got.Start)
		assert.Equal(t, 20*gib-1, got.End)
		assert.Equal(t, 20*gib-1048576, got.Size)
	})

	t.Run("gpt keeps original zero tail", func(t *testing.T) {
		t.Parallel()
		// 原尾部空隙为 0，比默认预留小，沿用 0
		got := helper.calculateNewPartition(p, 20*gib, 512, guestfs.TableGPT)
		assert.Equal(t, 20*gib-1, got.End)
	})

	t.Run("gpt with large original tail uses default reserve", func(t *testing.T) {
		t.Parallel()
		shorter := p
		// 尾部留了 1 MiB，大于 64 扇区的默认预留
		shorter.End = 10*gib - 1024*1024 - 1
		got := helper.calculateNewPartition(shorter, 20*gib, 512, guestfs.TableGPT)
		reserve := uint64(guestfs.GPTEndSectors * 512)
		assert.Equal(t, 20*gib-reserve-1, got.End)
		assert.Equal(t, shorter.Start, got.Start)
	})
}
