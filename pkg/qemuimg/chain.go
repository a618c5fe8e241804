package qemuimg

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// DiskFormat 唯一支持的镜像格式
const DiskFormat = "qcow2"

// Image 单个镜像的信息
// 由 qemu-img info 的 JSON 输出解析得到，构造后不可变；
// 每次修改镜像后需要重新读取
type Image struct {
	Filename            string
	VirtualSize         uint64
	ActualSize          uint64
	Format              string
	BackingFilename     string
	FullBackingFilename string
}

func (i Image) String() string {
	lines := []string{
		"filename: " + i.Filename,
		"virtualSize: " + strconv.FormatUint(i.VirtualSize, 10),
		"actualSize: " + strconv.FormatUint(i.ActualSize, 10),
		"format: " + i.Format,
	}
	return strings.Join(lines, "\n")
}

// Chain backing 链，base 在前，top 在后
//
// 不变式：除 base 外每个镜像的 backing 指向它的前一个镜像；
// virtual size 全链一致，actual size 逐镜像统计
type Chain struct {
	list []Image
}

// NewChain 创建链
func NewChain(list []Image) Chain {
	return Chain{list: list}
}

// List 返回链中的镜像，base 在前
func (c Chain) List() []Image {
	return c.list
}

// Length 返回链长度
func (c Chain) Length() int {
	return len(c.list)
}

// Top 返回最新的镜像（guest 看到的那个）
func (c Chain) Top() Image {
	return c.list[len(c.list)-1]
}

// Base 返回最底层镜像
func (c Chain) Base() Image {
	return c.list[0]
}

// VirtualSizeMax 返回链中最大的 virtual size
func (c Chain) VirtualSizeMax() uint64 {
	var max uint64
	for _, img := range c.list {
		if img.VirtualSize > max {
			max = img.VirtualSize
		}
	}
	return max
}

// ActualSizeSum 返回链中 actual size 的总和
func (c Chain) ActualSizeSum() uint64 {
	var sum uint64
	for _, img := range c.list {
		sum += img.ActualSize
	}
	return sum
}

func (c Chain) String() string {
	images := make([]string, 0, len(c.list))
	for _, img := range c.list {
		images = append(images, img.String())
	}
	return strings.Join(images, "\n\n")
}

type imageInfoJSON struct {
	Filename            string  `json:"filename"`
	VirtualSize         *uint64 `json:"virtual-size"`
	ActualSize          *uint64 `json:"actual-size"`
	Format              string  `json:"format"`
	BackingFilename     string  `json:"backing-filename"`
	FullBackingFilename string  `json:"full-backing-filename"`
}

// ParseChain 解析 qemu-img info --backing-chain 的 JSON 输出
//
// 输出里最新的镜像在前，这里反转为 base 在前。
// 缺少 full-backing-filename 时相对路径按镜像所在目录解析。
func ParseChain(data []byte, dirPath string) (Chain, error) {
	var raw []imageInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Chain{}, diskerr.Wrap(diskerr.ParseError,
			"cannot parse image info", err)
	}
	if len(raw) == 0 {
		return Chain{}, diskerr.New(diskerr.ParseError, "empty image info")
	}

	list := make([]Image, 0, len(raw))
	for _, v := range raw {
		img, err := parseImage(v, dirPath)
		if err != nil {
			return Chain{}, err
		}
		// 反转为 base 在前
		list = append([]Image{img}, list...)
	}
	return NewChain(list), nil
}

func parseImage(v imageInfoJSON, dirPath string) (Image, error) {
	if v.Filename == "" || v.VirtualSize == nil || v.ActualSize == nil || v.Format == "" {
		return Image{}, diskerr.New(diskerr.ParseError, "cannot parse image info")
	}
	if v.Format != DiskFormat {
		return Image{}, diskerr.Newf(diskerr.InvalidHdd,
			"%s: unsupported format %q. Only %q is supported",
			v.Filename, v.Format, DiskFormat)
	}

	img := Image{
		Filename:    v.Filename,
		VirtualSize: *v.VirtualSize,
		ActualSize:  *v.ActualSize,
		Format:      v.Format,
	}
	if v.BackingFilename != "" {
		img.BackingFilename = v.BackingFilename
		switch {
		case v.FullBackingFilename != "":
			img.FullBackingFilename = v.FullBackingFilename
		case filepath.IsAbs(v.BackingFilename):
			img.FullBackingFilename = v.BackingFilename
		default:
			// 镜像都在同一目录下
			img.FullBackingFilename = filepath.Clean(
				filepath.Join(dirPath, v.BackingFilename))
		}
	}
	return img, nil
}
