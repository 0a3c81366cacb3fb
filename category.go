package waste

import (
	"fmt"
	"math"
	"strings"
)

// Category 垃圾分类
type Category string

const (
	CategoryPlastic Category = "plastic"
	CategoryPaper   Category = "paper"
	CategoryGlass   Category = "glass"
	CategoryMetal   Category = "metal"
	CategoryBattery Category = "battery"
	CategoryUnknown Category = "unknown"
)

// Categories 全部分类，顺序固定
var Categories = []Category{
	CategoryPlastic,
	CategoryPaper,
	CategoryGlass,
	CategoryMetal,
	CategoryBattery,
	CategoryUnknown,
}

// Valid 是否为已知分类
func (c Category) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// ParseCategory 将服务端或数据集中的标签归一化为分类，无法识别时返回 unknown
func ParseCategory(raw string) Category {
	label := Category(strings.ToLower(strings.TrimSpace(raw)))
	if label.Valid() {
		return label
	}

	switch label {
	case "cardboard":
		return CategoryPaper
	case "can", "aluminium", "aluminum", "tin":
		return CategoryMetal
	}
	// compost / food / organic 等同样落到 unknown
	return CategoryUnknown
}

// ClassMap 检测器类别下标 -> 分类
type ClassMap map[int]Category

// DefaultClassMap 默认的 5 类垃圾模型映射
//
//	0: cam     -> glass
//	1: kagit   -> paper
//	2: metal   -> metal
//	3: pil     -> battery
//	4: plastik -> plastic
func DefaultClassMap() ClassMap {
	return ClassMap{
		0: CategoryGlass,
		1: CategoryPaper,
		2: CategoryMetal,
		3: CategoryBattery,
		4: CategoryPlastic,
	}
}

// Lookup 查找类别对应的分类，未映射或映射为 unknown 时返回 false
func (m ClassMap) Lookup(classIndex int) (Category, bool) {
	c, ok := m[classIndex]
	if !ok || c == CategoryUnknown || !c.Valid() {
		return CategoryUnknown, false
	}
	return c, true
}

// BinInfo 投放的垃圾桶信息
type BinInfo struct {
	Category  Category
	Label     string
	ColorName string
	ColorHex  string
}

var bins = map[Category]BinInfo{
	CategoryPlastic: {CategoryPlastic, "Plastic (yellow bin)", "yellow", "#FACC15"},
	CategoryPaper:   {CategoryPaper, "Paper (blue bin)", "blue", "#3B82F6"},
	CategoryGlass:   {CategoryGlass, "Glass (green bin)", "green", "#22C55E"},
	CategoryMetal:   {CategoryMetal, "Metal (gray bin)", "gray", "#94A3B8"},
	CategoryBattery: {CategoryBattery, "Hazardous (red bin)", "red", "#EF4444"},
	CategoryUnknown: {CategoryUnknown, "Please confirm manually", "neutral", "#CBD5E1"},
}

// BinFor 分类对应的垃圾桶，未知分类返回 unknown 的信息
func BinFor(c Category) BinInfo {
	if b, ok := bins[c]; ok {
		return b
	}
	return bins[CategoryUnknown]
}

// FormatConfidence 置信度格式化为百分比，例如 0.914 -> "91%"
func FormatConfidence(confidence float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(Clamp01(confidence)*100)))
}
