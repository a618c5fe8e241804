package guestfs

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// ResizePartition 把分区调整到 [startSector, endSector]
//
// parted 没有原地改大小的接口，这里按删除再重建实现：
// 类型（primary / logical / extended）和全部属性（bootable、MBR id、
// GPT 类型 GUID、GPT 名字、GPT 分区 GUID）原样恢复。
//
// 调整扩展分区时，先把里面的逻辑分区抓下来，删除扩展分区
// （逻辑分区级联消失），重建扩展分区，再按编号从小到大
// 在原扇区位置重建逻辑分区。
func (h *Handle) ResizePartition(ctx context.Context, p Partition, startSector, endSector uint64) error {
	zerolog.Ctx(ctx).Debug().
		Str("partition", p.Name).
		Uint64("start_sector", startSector).
		Uint64("end_sector", endSector).
		Msg("Resizing partition")

	if !p.IsExtended() {
		return h.recreatePartition(ctx, p, startSector, endSector)
	}

	sectorSize, err := h.SectorSize(ctx)
	if err != nil {
		return err
	}
	parts, err := h.Partitions(ctx)
	if err != nil {
		return err
	}

	// 抓取逻辑分区的快照：删除扩展分区之后就读不到了
	var logicals []Partition
	for _, part := range parts {
		if !part.IsLogical() {
			continue
		}
		var saved Partition
		if err := copier.CopyWithOption(&saved, &part,
			copier.Option{DeepCopy: true}); err != nil {
			return diskerr.Wrap(diskerr.Internal, "cannot snapshot logical partitions", err)
		}
		logicals = append(logicals, saved)
	}
	sort.Slice(logicals, func(i, j int) bool {
		return logicals[i].Index < logicals[j].Index
	})

	if err := h.recreatePartition(ctx, p, startSector, endSector); err != nil {
		return err
	}

	for _, logical := range logicals {
		if err := h.addPartition(ctx, logical,
			logical.Start/sectorSize, logical.End/sectorSize); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) recreatePartition(ctx context.Context, p Partition, startSector, endSector uint64) error {
	if _, err := h.mutate(ctx, "part-del", Device, strconv.Itoa(p.Index)); err != nil {
		return err
	}
	return h.addPartition(ctx, p, startSector, endSector)
}

func (h *Handle) addPartition(ctx context.Context, p Partition, startSector, endSector uint64) error {
	prlogex := "primary"
	switch {
	case p.IsExtended():
		prlogex = "extended"
	case p.IsLogical():
		prlogex = "logical"
	}

	if _, err := h.mutate(ctx, "part-add", Device, prlogex,
		strconv.FormatUint(startSector, 10),
		strconv.FormatUint(endSector, 10)); err != nil {
		return err
	}

	index := strconv.Itoa(p.Index)
	switch {
	case p.MBR != nil:
		if _, err := h.mutate(ctx, "part-set-mbr-id", Device, index,
			fmt.Sprintf("0x%x", p.MBR.ID)); err != nil {
			return err
		}
		if p.MBR.Bootable {
			if _, err := h.mutate(ctx, "part-set-bootable", Device, index, "true"); err != nil {
				return err
			}
		}
	case p.GPT != nil:
		if _, err := h.mutate(ctx, "part-set-name", Device, index, p.GPT.Name); err != nil {
			return err
		}
		if _, err := h.mutate(ctx, "part-set-gpt-type", Device, index, p.GPT.TypeGUID); err != nil {
			return err
		}
		if _, err := h.mutate(ctx, "part-set-gpt-guid", Device, index, p.GPT.PartGUID); err != nil {
			return err
		}
		if p.GPT.Bootable {
			if _, err := h.mutate(ctx, "part-set-bootable", Device, index, "true"); err != nil {
				return err
			}
		}
	}
	return nil
}
