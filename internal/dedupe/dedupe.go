// 包 dedupe：多来源建筑记录合并去重
// 约束：先丢弃非法记录再合并；地址归一化后相同或坐标完全相同即视为重复，先出现者保留。
package dedupe

import (
	"strconv"
	"strings"
	"unicode"

	"territory-api/internal/model"
)

// NormalizeAddress：小写、去标点、折叠空白
func NormalizeAddress(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func coordKey(b model.Building) string {
	return strconv.FormatFloat(b.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(b.Lng, 'f', -1, 64)
}

// Merge：按参数顺序合并多个列表
func Merge(lists ...[]model.Building) []model.Building {
	seenAddr := make(map[string]struct{})
	seenCoord := make(map[string]struct{})
	var out []model.Building
	for _, l := range lists {
		for _, b := range model.FilterValid(l) {
			addr := NormalizeAddress(b.Address)
			ck := coordKey(b)
			if _, dup := seenCoord[ck]; dup {
				continue
			}
			if addr != "" {
				if _, dup := seenAddr[addr]; dup {
					continue
				}
				seenAddr[addr] = struct{}{}
			}
			seenCoord[ck] = struct{}{}
			out = append(out, b)
		}
	}
	return out
}
