package lvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleMetadata vgcfgbackup 格式的卷组元数据样例
const sampleMetadata = `# Generated by LVM2: Tue Jan  9 12:00:00 2024

contents = "Text Format Volume Group"
version = 1

vg0 {
	id = "abcdef-0000-1111"
	seqno = 4
	status = ["RESIZEABLE", "READ", "WRITE"]
	extent_size = 8192		# 4 Megabytes
	max_lv = 0
	max_pv = 0

	physical_volumes {

		pv0 {
			id = "ffffff-2222-3333"
			device = "/dev/sda2"	# Hint only

			status = ["ALLOCATABLE"]
			pe_start = 2048
			pe_count = 2559
		}
	}

	logical_volumes {

		root {
			id = "cccccc-4444-5555"
			status = ["READ", "WRITE", "VISIBLE"]
			segment_count = 2

			segment1 {
				start_extent = 0
				extent_count = 1000

				type = "striped"
				stripe_count = 1	# linear

				stripes = [
					"pv0", 0
				]
			}
			segment2 {
				start_extent = 1000
				extent_count = 500

				type = "striped"
				stripe_count = 1	# linear

				stripes = [
					"pv0", 1500
				]
			}
		}

		swap {
			id = "dddddd-6666-7777"
			status = ["READ", "WRITE", "VISIBLE"]
			segment_count = 1

			segment1 {
				start_extent = 0
				extent_count = 500

				type = "striped"
				stripe_count = 1	# linear

				stripes = [
					"pv0", 1000
				]
			}
		}
	}
}
`

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig(sampleMetadata, "vg0")
	require.NoError(t, err)

	assert.Equal(t, "vg0", cfg.Group.Name)
	assert.Equal(t, uint64(8192), cfg.Group.ExtentSizeSectors)
	assert.True(t, cfg.Group.Resizeable)
	assert.True(t, cfg.Group.Writeable)

	require.Len(t, cfg.Segments, 3)
	assert.Equal(t, []string{"/dev/sda2"}, cfg.Physicals())

	phys := cfg.Physical("/dev/sda2")
	require.Len(t, phys.Segments, 3)

	last, ok := phys.LastSegment()
	require.True(t, ok)
	assert.Equal(t, "root", last.Logical.Name)
	assert.Equal(t, uint(2), last.Index)
	assert.Equal(t, uint64(1500), last.StartExtents)
	assert.Equal(t, uint64(1999), last.EndExtents)
	assert.True(t, last.Linear)
	assert.True(t, last.LastInLogical)
	assert.True(t, last.Resizeable())
}

func TestParseConfig_SegmentFlags(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig(sampleMetadata, "vg0")
	require.NoError(t, err)

	var rootFirst, swapSeg Segment
	for _, s := range cfg.Segments {
		if s.Logical.Name == "root" && s.Index == 1 {
			rootFirst = s
		}
		if s.Logical.Name == "swap" {
			swapSeg = s
		}
	}

	// root 的第一段不是末尾段，不可缩放
	assert.False(t, rootFirst.LastInLogical)
	assert.False(t, rootFirst.Resizeable())
	assert.Equal(t, uint64(1000), rootFirst.SizeExtents())

	// swap 只有一段，就是末尾段
	assert.True(t, swapSeg.LastInLogical)
	assert.True(t, swapSeg.Resizeable())
}

func TestParseConfig_EmptyGroup(t *testing.T) {
	t.Parallel()

	const empty = `vg1 {
	status = ["RESIZEABLE", "READ", "WRITE"]
	extent_size = 8192

	physical_volumes {
		pv0 {
			device = "/dev/sda3"
		}
	}
}
`
	cfg, err := ParseConfig(empty, "vg1")
	require.NoError(t, err)
	assert.Empty(t, cfg.Segments)

	phys := cfg.Physical("/dev/sda3")
	_, ok := phys.LastSegment()
	assert.False(t, ok)
}

func TestParseConfig_Striped(t *testing.T) {
	t.Parallel()

	const striped = `vg2 {
	status = ["RESIZEABLE", "READ", "WRITE"]
	extent_size = 8192

	physical_volumes {
		pv0 {
			device = "/dev/sda2"
		}
		pv1 {
			device = "/dev/sdb1"
		}
	}

	logical_volumes {
		data {
			status = ["READ", "WRITE", "VISIBLE"]
			segment_count = 1

			segment1 {
				start_extent = 0
				extent_count = 200

				type = "striped"
				stripe_count = 2

				stripes = [
					"pv0", 0,
					"pv1", 0
				]
			}
		}
	}
}
`
	cfg, err := ParseConfig(striped, "vg2")
	require.NoError(t, err)
	require.Len(t, cfg.Segments, 2)

	for _, s := range cfg.Segments {
		assert.False(t, s.Linear)
		assert.False(t, s.Resizeable())
		assert.Equal(t, uint64(100), s.SizeExtents())
	}
	assert.ElementsMatch(t, []string{"/dev/sda2", "/dev/sdb1"}, cfg.Physicals())
}

func TestParseConfig_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing group", func(t *testing.T) {
		t.Parallel()
		_, err := ParseConfig(sampleMetadata, "nosuchvg")
		require.Error(t, err)
	})

	t.Run("unbalanced braces", func(t *testing.T) {
		t.Parallel()
		_, err := ParseConfig("vg0 {\n\textent_size = 1\n", "vg0")
		require.Error(t, err)
	})
}

func TestParseConfig_ReadonlyGroup(t *testing.T) {
	t.Parallel()

	const readonly = `vg3 {
	status = ["READ"]
	extent_size = 8192
}
`
	cfg, err := ParseConfig(readonly, "vg3")
	require.NoError(t, err)
	assert.False(t, cfg.Group.Resizeable)
	assert.False(t, cfg.Group.Writeable)
}
