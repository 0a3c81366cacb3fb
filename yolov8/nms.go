package yolov8

import (
	"math"
	"sort"
)

// IoU 两个框的交并比, 并集不大于 0 时返回 0
func IoU(a, b Box) float64 {
	ix1, iy1 := math.Max(a.X1, b.X1), math.Max(a.Y1, b.Y1)
	ix2, iy2 := math.Min(a.X2, b.X2), math.Min(a.Y2, b.Y2)
	inter := Box{X1: ix1, Y1: iy1, X2: ix2, Y2: iy2}.Area()

	union := a.Area() + b.Area() - inter
	if !(union > 0) {
		return 0
	}
	return math.Max(0, math.Min(1, inter/union))
}

// NMS 同类非极大值抑制
//
// 按分数降序 (稳定排序, 同分先到先得) 贪心保留, 与已保留的同类框 IoU 大于阈值时丢弃。
func NMS(cands []Candidate, iouThreshold float64) []Candidate {
	sorted := sortByScore(cands)
	keep := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		suppressed := false
		for _, k := range keep {
			if k.ClassIndex == c.ClassIndex && IoU(k.Box, c.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, c)
		}
	}
	return keep
}

// DedupeCrossClass 跨类去重
//
// 同一物体可能被识别成两个类别。只与已保留的不同类框比较, IoU 与面积比都达到阈值时丢弃分数低的一个,
// 面积比阈值避免误删嵌套在大框里的小物体。
func DedupeCrossClass(cands []Candidate, iouThreshold, minAreaRatio float64) []Candidate {
	sorted := sortByScore(cands)
	keep := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		suppressed := false
		for _, k := range keep {
			if k.ClassIndex == c.ClassIndex {
				continue
			}
			if IoU(k.Box, c.Box) >= iouThreshold && areaRatio(k.Box, c.Box) >= minAreaRatio {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, c)
		}
	}
	return keep
}

// areaRatio 小面积 / 大面积, 已保留框面积为 0 时返回 0
func areaRatio(kept, other Box) float64 {
	ka, oa := kept.Area(), other.Area()
	if ka <= 0 {
		return 0
	}
	hi := math.Max(ka, oa)
	return math.Min(ka, oa) / hi
}

// sortByScore 返回按分数降序的副本, 不修改入参
func sortByScore(cands []Candidate) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	return sorted
}
