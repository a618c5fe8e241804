package lvm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// vgcfgbackup 备份文本是行式的：块名后跟 {，键值对用 =，
// 列表写成 key = ["a", 1, "b", 2]。标识符只含 [a-zA-Z0-9._+-]，
// 所以按空白切分是安全的。

type node struct {
	values   map[string]string
	lists    map[string][]string
	children map[string]*node
	order    []string
}

func newNode() *node {
	return &node{
		values:   make(map[string]string),
		lists:    make(map[string][]string),
		children: make(map[string]*node),
	}
}

func (n *node) child(name string) *node {
	return n.children[name]
}

func (n *node) uintValue(key string) (uint64, bool) {
	v, ok := n.values[key]
	if !ok {
		return 0, false
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return u, true
}

// ParseConfig 解析卷组 vgName 的 vgcfgbackup 元数据文本
func ParseConfig(text, vgName string) (Config, error) {
	root, err := parseTree(text)
	if err != nil {
		return Config{}, err
	}

	vg := root.child(vgName)
	if vg == nil {
		return Config{}, diskerr.Newf(diskerr.ParseError,
			"no LVM group %q found in metadata", vgName)
	}

	extentSize, ok := vg.uintValue("extent_size")
	if !ok {
		return Config{}, diskerr.Newf(diskerr.ParseError,
			"group %q has no extent_size", vgName)
	}
	status := vg.lists["status"]
	group := Group{
		Name:              vgName,
		ExtentSizeSectors: extentSize,
		Resizeable:        containsWord(status, "RESIZEABLE"),
		Writeable:         containsWord(status, "WRITE"),
	}

	// pv0 -> /dev/sda2
	pvDevices := make(map[string]string)
	if pvs := vg.child("physical_volumes"); pvs != nil {
		for _, name := range pvs.order {
			pv := pvs.children[name]
			if dev, ok := pv.values["device"]; ok {
				pvDevices[name] = dev
			}
		}
	}

	var segments []Segment
	lvs := vg.child("logical_volumes")
	if lvs == nil {
		// 空卷组是合法的
		return Config{Group: group}, nil
	}
	for _, lvName := range lvs.order {
		lv := lvs.children[lvName]
		logical := Logical{
			Name:      lvName,
			Writeable: containsWord(lv.lists["status"], "WRITE"),
		}
		segmentCount, ok := lv.uintValue("segment_count")
		if !ok {
			return Config{}, diskerr.Newf(diskerr.ParseError,
				"logical volume %q has no segment_count", lvName)
		}
		for i := uint64(1); i <= segmentCount; i++ {
			seg := lv.child(fmt.Sprintf("segment%d", i))
			if seg == nil {
				return Config{}, diskerr.Newf(diskerr.ParseError,
					"logical volume %q is missing segment%d", lvName, i)
			}
			parsed, err := parseSegment(seg, logical, uint(i),
				i == segmentCount, pvDevices)
			if err != nil {
				return Config{}, err
			}
			segments = append(segments, parsed...)
		}
	}

	return Config{Group: group, Segments: segments}, nil
}

func parseSegment(seg *node, logical Logical, index uint,
	last bool, pvDevices map[string]string) ([]Segment, error) {

	extentCount, ok := seg.uintValue("extent_count")
	if !ok {
		return nil, diskerr.Newf(diskerr.ParseError,
			"segment%d of %q has no extent_count", index, logical.Name)
	}
	stripeCount, ok := seg.uintValue("stripe_count")
	linear := ok
	if !ok {
		// 非条带段（mirror、thin 等）按不可缩放的单段处理
		stripeCount = 1
	}
	stripes := seg.lists["stripes"]
	if len(stripes) == 0 || len(stripes)%2 != 0 {
		return nil, diskerr.Newf(diskerr.ParseError,
			"segment%d of %q has malformed stripes", index, logical.Name)
	}

	stripeSize := extentCount / stripeCount
	var result []Segment
	for i := 0; i+1 < len(stripes); i += 2 {
		dev, ok := pvDevices[stripes[i]]
		if !ok {
			return nil, diskerr.Newf(diskerr.ParseError,
				"segment%d of %q references unknown PV %q",
				index, logical.Name, stripes[i])
		}
		offset, err := strconv.ParseUint(stripes[i+1], 10, 64)
		if err != nil {
			return nil, diskerr.Wrap(diskerr.ParseError,
				"malformed stripe offset", err)
		}
		result = append(result, Segment{
			Logical:       logical,
			Index:         index,
			Linear:        linear && stripeCount == 1,
			LastInLogical: last,
			PV:            dev,
			StartExtents:  offset,
			EndExtents:    offset + stripeSize - 1,
		})
	}
	return result, nil
}

func parseTree(text string) (*node, error) {
	root := newNode()
	stack := []*node{root}

	// 跨行列表的累积状态
	var listKey string
	var listItems []string
	inList := false

	for lineno, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}
		top := stack[len(stack)-1]

		if inList {
			closed := strings.Contains(line, "]")
			if i := strings.Index(line, "]"); i >= 0 {
				line = line[:i]
			}
			listItems = append(listItems, splitListItems(line)...)
			if closed {
				top.lists[listKey] = listItems
				inList = false
				listItems = nil
			}
			continue
		}

		switch {
		case line == "}":
			if len(stack) == 1 {
				return nil, diskerr.Newf(diskerr.ParseError,
					"unbalanced block close at line %d", lineno+1)
			}
			stack = stack[:len(stack)-1]
		case strings.HasSuffix(line, "{"):
			name := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			child := newNode()
			top.children[name] = child
			top.order = append(top.order, name)
			stack = append(stack, child)
		case strings.Contains(line, "="):
			key, value, _ := strings.Cut(line, "=")
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			if strings.HasPrefix(value, "[") {
				if strings.HasSuffix(value, "]") {
					top.lists[key] = parseList(value)
				} else {
					// 列表跨行，累积到看见 ]
					inList = true
					listKey = key
					listItems = splitListItems(strings.TrimPrefix(value, "["))
				}
			} else {
				top.values[key] = unquote(value)
			}
		}
	}

	if inList || len(stack) != 1 {
		return nil, diskerr.New(diskerr.ParseError, "unterminated block in metadata")
	}
	return root, nil
}

func splitListItems(line string) []string {
	var items []string
	for _, item := range strings.Split(line, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		items = append(items, unquote(item))
	}
	return items
}

func parseList(value string) []string {
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	return splitListItems(value)
}

func unquote(v string) string {
	return strings.Trim(v, `"`)
}

func stripComment(line string) string {
	inString := false
	for i, r := range line {
		switch r {
		case '"':
			inString = !inString
		case '#':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}

func containsWord(list []string, word string) bool {
	for _, item := range list {
		if item == word {
			return true
		}
	}
	return false
}
