package guestfs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/runner"
)

// fakeFish 按命令行给出预置输出的 Runner，记录修改命令的顺序
type fakeFish struct {
	t       *testing.T
	outputs map[string]string
	mutates []string
}

func newFakeFish(t *testing.T, outputs map[string]string) *fakeFish {
	return &fakeFish{t: t, outputs: outputs}
}

func (f *fakeFish) lookup(cmd runner.Command) (runner.Result, error) {
	key := strings.Join(cmd.Args, " ")
	// 去掉 --remote=PID -- 前缀
	if i := strings.Index(key, "-- "); i >= 0 {
		key = key[i+3:]
	}
	out, ok := f.outputs[key]
	if !ok {
		f.t.Fatalf("unexpected guestfish command: %q", key)
	}
	if out == "!fail" {
		return runner.Result{ExitCode: 1}, nil
	}
	return runner.Result{Stdout: []byte(out)}, nil
}

func (f *fakeFish) Query(_ context.Context, cmd runner.Command) (runner.Result, error) {
	return f.lookup(cmd)
}

func (f *fakeFish) Mutate(_ context.Context, cmd runner.Command) (runner.Result, error) {
	key := strings.Join(cmd.Args, " ")
	if i := strings.Index(key, "-- "); i >= 0 {
		key = key[i+3:]
	}
	f.mutates = append(f.mutates, key)
	if out, ok := f.outputs[key]; ok && out == "!fail" {
		return runner.Result{ExitCode: 1}, nil
	}
	return runner.Result{}, nil
}

func (f *fakeFish) Rename(_ context.Context, _, _ string) error { return nil }
func (f *fakeFish) Remove(_ context.Context, _ string) error    { return nil }
func (f *fakeFish) Exec(_ string, _ []string) error             { return nil }

var _ runner.Runner = (*fakeFish)(nil)

func testHandle(run runner.Runner) *Handle {
	return &Handle{
		guestfishPath: "guestfish",
		imagePath:     "/images/disk.qcow2",
		pid:           "42",
		run:           run,
	}
}

const mbrPartList = `[0] = {
  part_num: 1
  part_start: 1048576
  part_end: 537919487
  part_size: 536870912
}
[1] = {
  part_num: 2
  part_start: 537919488
  part_end: 1073741823
  part_size: 535822336
}
`

func mbrOutputs() map[string]string {
	return map[string]string{
		"part-get-parttype /dev/sda":   "msdos\n",
		"part-list /dev/sda":           mbrPartList,
		"part-get-bootable /dev/sda 1": "true\n",
		"part-get-bootable /dev/sda 2": "false\n",
		"part-get-mbr-id /dev/sda 1":   "0x83\n",
		"part-get-mbr-id /dev/sda 2":   "0x83\n",
		"blockdev-getss /dev/sda":      "512\n",
	}
}

func TestHandle_Partitions_MBR(t *testing.T) {
	t.Parallel()

	h := testHandle(newFakeFish(t, mbrOutputs()))
	parts, err := h.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, "/dev/sda1", parts[0].Name)
	assert.Equal(t, 1, parts[0].Index)
	assert.Equal(t, uint64(1048576), parts[0].Start)
	assert.Equal(t, uint64(537919487), parts[0].End)
	assert.Equal(t, uint64(536870912), parts[0].Size)
	require.NotNil(t, parts[0].MBR)
	assert.True(t, parts[0].MBR.Bootable)
	assert.Equal(t, uint8(0x83), parts[0].MBR.ID)
	assert.Nil(t, parts[0].GPT)
	assert.False(t, parts[0].IsExtended())
	assert.False(t, parts[0].IsLogical())
}

func TestHandle_Partitions_GPT(t *testing.T) {
	t.Parallel()

	outputs := map[string]string{
		"part-get-parttype /dev/sda": "gpt\n",
		"part-list /dev/sda": `[0] = {
  part_num: 1
  part_start: 1048576
  part_end: 10737418239
  part_size: 10736369664
}
`,
		"part-get-bootable /dev/sda 1": "false\n",
		"part-get-name /dev/sda 1":     "root\n",
		"part-get-gpt-type /dev/sda 1": "0FC63DAF-8483-4772-8E79-3D69D8477DE4\n",
		"part-get-gpt-guid /dev/sda 1": "E1C9823C-3D04-46F2-A499-BF4D8E969D23\n",
	}
	h := testHandle(newFakeFish(t, outputs))
	parts, err := h.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, parts, 1)

	require.NotNil(t, parts[0].GPT)
	assert.Equal(t, "root", parts[0].GPT.Name)
	assert.Equal(t, "0FC63DAF-8483-4772-8E79-3D69D8477DE4", parts[0].GPT.TypeGUID)
	assert.Equal(t, "E1C9823C-3D04-46F2-A499-BF4D8E969D23", parts[0].GPT.PartGUID)
}

func TestHandle_PartitionTable_None(t *testing.T) {
	t.Parallel()

	h := testHandle(newFakeFish(t, map[string]string{
		"part-get-parttype /dev/sda": "!fail",
	}))
	_, err := h.PartitionTable(context.Background())
	require.Error(t, err)
	assert.Equal(t, diskerr.NoPartitionTable, diskerr.CodeOf(err))
}

func TestHandle_LastPartition(t *testing.T) {
	t.Parallel()

	h := testHandle(newFakeFish(t, mbrOutputs()))
	last, err := h.LastPartition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda2", last.Name)
}

func TestHandle_VirtResizeOverhead(t *testing.T) {
	t.Parallel()

	h := testHandle(newFakeFish(t, mbrOutputs()))
	overhead, err := h.VirtResizeOverhead(context.Background())
	require.NoError(t, err)

	// start: max(1048576/512, max(4096, 64)) = 4096
	// align: (2+1)*128 = 384; gpt end: 64 → 4544 sectors * 512 = 2326528
	// 向上取整到 MiB → 3 MiB
	assert.Equal(t, uint64(3*1024*1024), overhead)
}

func TestHandle_ResizePartition_Primary(t *testing.T) {
	t.Parallel()

	fish := newFakeFish(t, mbrOutputs())
	h := testHandle(fish)

	p := Partition{
		Name: "/dev/sda2", Index: 2,
		Start: 537919488, End: 1073741823, Size: 535822336,
		MBR: &MBRAttrs{Bootable: true, ID: 0x83},
	}
	require.NoError(t, h.ResizePartition(context.Background(), p, 1050624, 4194303))

	assert.Equal(t, []string{
		"part-del /dev/sda 2",
		"part-add /dev/sda primary 1050624 4194303",
		"part-set-mbr-id /dev/sda 2 0x83",
		"part-set-bootable /dev/sda 2 true",
	}, fish.mutates)
}

func TestHandle_ResizePartition_Extended(t *testing.T) {
	t.Parallel()

	outputs := map[string]string{
		"part-get-parttype /dev/sda": "msdos\n",
		"part-list /dev/sda": `[0] = {
  part_num: 1
  part_start: 1048576
  part_end: 104857599
  part_size: 103809024
}
[1] = {
  part_num: 2
  part_start: 104857600
  part_end: 1073741823
  part_size: 968884224
}
[2] = {
  part_num: 5
  part_start: 105906176
  part_end: 524287999
  part_size: 418381824
}
[3] = {
  part_num: 6
  part_start: 525336576
  part_end: 1073741823
  part_size: 548405248
}
`,
		"part-get-bootable /dev/sda 1": "true\n",
		"part-get-bootable /dev/sda 2": "false\n",
		"part-get-bootable /dev/sda 5": "false\n",
		"part-get-bootable /dev/sda 6": "false\n",
		"part-get-mbr-id /dev/sda 1":   "0x83\n",
		"part-get-mbr-id /dev/sda 2":   "0x5\n",
		"part-get-mbr-id /dev/sda 5":   "0x83\n",
		"part-get-mbr-id /dev/sda 6":   "0x82\n",
		"blockdev-getss /dev/sda":      "512\n",
	}
	fish := newFakeFish(t, outputs)
	h := testHandle(fish)

	extended := Partition{
		Name: "/dev/sda2", Index: 2,
		Start: 104857600, End: 1073741823, Size: 968884224,
		MBR: &MBRAttrs{ID: 0x05},
	}
	require.NoError(t, h.ResizePartition(context.Background(), extended, 204800, 4194303))

	// 逻辑分区按编号从小到大在原扇区位置重建
	assert.Equal(t, []string{
		"part-del /dev/sda 2",
		"part-add /dev/sda extended 204800 4194303",
		"part-set-mbr-id /dev/sda 2 0x5",
		"part-add /dev/sda logical 206848 1023999",
		"part-set-mbr-id /dev/sda 5 0x83",
		"part-add /dev/sda logical 1026048 2097151",
		"part-set-mbr-id /dev/sda 6 0x82",
	}, fish.mutates)
}

func TestParseStatvfs(t *testing.T) {
	t.Parallel()

	const out = `bsize: 4096
frsize: 4096
blocks: 2621440
bfree: 2359296
bavail: 2228224
files: 655360
ffree: 600000
`
	stats, err := parseStatvfs(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), stats.Frsize)
	assert.Equal(t, uint64(2621440), stats.Blocks)
	assert.Equal(t, uint64(2359296), stats.Bfree)
	assert.Equal(t, uint64(2228224), stats.Bavail)

	_, err = parseStatvfs("garbage")
	require.Error(t, err)
}

func TestParseMBRID(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		input   string
		want    uint8
		wantErr bool
	}{
		{input: "0x83\n", want: 0x83},
		{input: "0x5\n", want: 0x05},
		{input: "83", want: 0x83},
		{input: "zz", wantErr: true},
	}
	for _, tc := range testcases {
		got, err := parseMBRID(tc.input)
		if tc.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestPartition_Extended(t *testing.T) {
	t.Parallel()

	for _, id := range []uint8{0x05, 0x0F, 0x85} {
		p := Partition{Index: 2, MBR: &MBRAttrs{ID: id}}
		assert.True(t, p.IsExtended(), "id 0x%x", id)
	}
	assert.False(t, Partition{Index: 2, MBR: &MBRAttrs{ID: 0x83}}.IsExtended())
	assert.False(t, Partition{Index: 1, GPT: &GPTAttrs{}}.IsExtended())

	assert.True(t, Partition{Index: 5, MBR: &MBRAttrs{ID: 0x83}}.IsLogical())
	assert.False(t, Partition{Index: 4, MBR: &MBRAttrs{ID: 0x83}}.IsLogical())
	assert.False(t, Partition{Index: 5, GPT: &GPTAttrs{}}.IsLogical())
}
