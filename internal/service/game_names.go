package service

import (
	"gamehub-go/internal/model"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeGameName 生成游戏的规范化键：去掉变音符号、转小写、标点视为空格、合并空白、去掉开头的 "the"。
// 撇号直接删除，"Baldur's Gate" 与 "Baldurs Gate" 得到同一个键。
func NormalizeGameName(name string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
		default:
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	if len(fields) > 1 && fields[0] == "the" {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// nameDistance 返回两个规范化键的编辑距离。
func nameDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// fuzzyEqual 判断两个规范化键是否只差少量拼写错误。过短的名字不做模糊匹配。
func fuzzyEqual(a, b string, maxDistance int) bool {
	if maxDistance <= 0 || a == "" || b == "" {
		return a == b
	}
	if len([]rune(a)) <= maxDistance*2 || len([]rune(b)) <= maxDistance*2 {
		return a == b
	}
	return nameDistance(a, b) <= maxDistance
}

// matchStrength 描述候选名与目录条目的匹配程度。
type matchStrength int

const (
	matchNone matchStrength = iota
	matchFuzzy
	matchExact
)

// matchCatalogEntry 比较候选键与目录条目的名称和别名。
func matchCatalogEntry(key string, game *model.GameInfo, maxDistance int) matchStrength {
	names := append([]string{game.Name}, game.Aliases...)
	best := matchNone
	for _, n := range names {
		nk := NormalizeGameName(n)
		if nk == key {
			return matchExact
		}
		if fuzzyEqual(nk, key, maxDistance) {
			best = matchFuzzy
		}
	}
	return best
}

// bestCatalogMatch 在检索结果中选出最佳匹配，精确匹配优先，其次是编辑距离最小的模糊匹配。
func bestCatalogMatch(key string, hits []model.GameInfo, maxDistance int) (*model.GameInfo, matchStrength) {
	var fuzzy *model.GameInfo
	fuzzyDist := -1
	for i := range hits {
		switch matchCatalogEntry(key, &hits[i], maxDistance) {
		case matchExact:
			return &hits[i], matchExact
		case matchFuzzy:
			d := nameDistance(key, NormalizeGameName(hits[i].Name))
			if fuzzy == nil || d < fuzzyDist {
				fuzzy, fuzzyDist = &hits[i], d
			}
		}
	}
	if fuzzy != nil {
		return fuzzy, matchFuzzy
	}
	return nil, matchNone
}
