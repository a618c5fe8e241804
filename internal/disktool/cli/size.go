package cli

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/jimyag/disktool/internal/disktool/ops"
	"github.com/jimyag/disktool/pkg/diskerr"
)

// ParseSizeMB 解析 "N[K|M|G|T]" 形式的大小，统一换算成 MiB
//
// 不带字母按 MiB 处理；K 向下取整；G/T 检查溢出。
func ParseSizeMB(value string) (uint64, error) {
	str := strings.TrimSpace(value)
	if str == "" {
		return 0, diskerr.New(diskerr.InvalidArgs, "empty size")
	}

	last := rune(str[len(str)-1])
	digits := str
	unit := 'M'
	switch {
	case unicode.IsLetter(last):
		unit = unicode.ToUpper(last)
		digits = str[:len(str)-1]
	case unicode.IsDigit(last):
	default:
		return 0, diskerr.New(diskerr.InvalidArgs, "wrong character in size")
	}

	size, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, diskerr.Wrap(diskerr.InvalidArgs, "cannot parse size", err)
	}

	switch unit {
	case 'K':
		return size / 1024, nil
	case 'M':
		return size, nil
	case 'G':
		if size > math.MaxUint64/1024 {
			return 0, diskerr.New(diskerr.InvalidArgs, "size too big")
		}
		return size * 1024, nil
	case 'T':
		if size > math.MaxUint64/1024/1024 {
			return 0, diskerr.New(diskerr.InvalidArgs, "size too big")
		}
		return size * 1024 * 1024, nil
	default:
		return 0, diskerr.New(diskerr.InvalidArgs, "unknown size unit")
	}
}

// ParseUnit 解析 --units 的取值，只接受 K、M、G
func ParseUnit(value string) (ops.SizeUnit, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "K":
		return ops.UnitK, nil
	case "M":
		return ops.UnitM, nil
	case "G":
		return ops.UnitG, nil
	default:
		return 0, diskerr.Newf(diskerr.InvalidArgs, "cannot parse units %q", value)
	}
}
