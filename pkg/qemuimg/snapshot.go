package qemuimg

import (
	"context"
	"regexp"
	"strings"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/runner"
)

// Snapshot 镜像内部快照
type Snapshot struct {
	ID  string
	Tag string
}

// snapshotRE 匹配 qemu-img snapshot -l 的数据行
// 格式：ID TAG VM_SIZE DATE VM_CLOCK
var snapshotRE = regexp.MustCompile(`^(\d+)\s+(.+?)\s+\d+\s+\d{4}-\d{2}-\d{2}`)

// CreateSnapshot 创建内部快照
func (c *Client) CreateSnapshot(ctx context.Context, imagePath, name string) error {
	return c.snapshot(ctx, "-c", name, imagePath)
}

// ApplySnapshot 回滚到内部快照
func (c *Client) ApplySnapshot(ctx context.Context, imagePath, name string) error {
	return c.snapshot(ctx, "-a", name, imagePath)
}

// DeleteSnapshot 删除内部快照
func (c *Client) DeleteSnapshot(ctx context.Context, imagePath, name string) error {
	return c.snapshot(ctx, "-d", name, imagePath)
}

func (c *Client) snapshot(ctx context.Context, op, name, imagePath string) error {
	args := []string{"snapshot", op, name, imagePath}
	res, err := c.run.Mutate(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          args,
		CaptureStderr: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return diskerr.NewSubprogramFailed(c.qemuImgPath, args, res.ExitCode)
	}
	return nil
}

// ListSnapshots 列出镜像的内部快照
func (c *Client) ListSnapshots(ctx context.Context, imagePath string) ([]Snapshot, error) {
	args := []string{"snapshot", "-l", imagePath}
	res, err := c.run.Query(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          args,
		CaptureStdout: true,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, diskerr.NewSubprogramFailed(c.qemuImgPath, args, res.ExitCode)
	}
	return parseSnapshotList(res.Stdout), nil
}

func parseSnapshotList(out []byte) []Snapshot {
	var snapshots []Snapshot
	for _, line := range strings.Split(string(out), "\n") {
		m := snapshotRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{ID: m[1], Tag: m[2]})
	}
	return snapshots
}

// EnsureNoSnapshots 确认镜像没有内部快照
// merge 和 convert 会丢弃被改写镜像中的内部快照，操作前必须检查
func (c *Client) EnsureNoSnapshots(ctx context.Context, imagePath string) error {
	snapshots, err := c.ListSnapshots(ctx, imagePath)
	if err != nil {
		return err
	}
	if len(snapshots) > 0 {
		return diskerr.Newf(diskerr.HasInternalSnapshots,
			"image %q has %d internal snapshot(s)", imagePath, len(snapshots))
	}
	return nil
}
