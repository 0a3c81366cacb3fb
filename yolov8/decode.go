package yolov8

import (
	"math"

	"github.com/getcharzp/go-waste"
	"go.uber.org/zap"
)

// layoutKind 输出张量的排布方式
type layoutKind int

const (
	layoutUnsupported layoutKind = iota
	layoutAttrsMajor             // [1, attrs, n]
	layoutDetsMajor              // [1, n, attrs] 或 [n, cols]
)

// layout 单次解码内确定的排布
type layout struct {
	kind   layoutKind
	n      int // 检测条数
	stride int // 检测优先时每行的长度
}

// at 第 i 条检测的第 a 个属性
func (l layout) at(data []float32, i, a int) float64 {
	if l.kind == layoutAttrsMajor {
		return float64(data[a*l.n+i])
	}
	return float64(data[i*l.stride+a])
}

// Decoder 把原始输出解析为候选框
type Decoder struct {
	NumClasses    int
	MinConfidence float64
	Logger        *zap.Logger
}

// Decode 解析输出张量, 形状无法识别时记录日志并返回空列表
func (d Decoder) Decode(out *OutputTensor) []Candidate {
	if out == nil {
		return nil
	}
	attrs := 4 + max(1, d.NumClasses)
	l, reason := resolveLayout(out.Shape, attrs, len(out.Data))
	if l.kind == layoutUnsupported {
		d.logger().Warn("跳过无法解码的输出",
			zap.Error(&waste.DecodeShapeError{Shape: out.Shape, Attrs: attrs, Length: len(out.Data), Reason: reason}))
		return nil
	}

	cands := make([]Candidate, 0)
	for i := 0; i < l.n; i++ {
		best, bestScore := -1, 0.0
		for c := 0; c < attrs-4; c++ {
			if s := l.at(out.Data, i, 4+c); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < d.MinConfidence {
			continue
		}

		cx, cy := l.at(out.Data, i, 0), l.at(out.Data, i, 1)
		w, h := l.at(out.Data, i, 2), l.at(out.Data, i, 3)
		x1, y1 := cx-w/2, cy-h/2
		cands = append(cands, Candidate{
			ClassIndex: best,
			Score:      bestScore,
			Box:        Box{X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + h},
		})
	}
	return cands
}

func (d Decoder) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// resolveLayout 根据形状中哪一维等于 attrs 判断排布
//
// 长度校验先做除法再比较, 超大的维度不会因为乘法溢出而通过
func resolveLayout(shape []int64, attrs, length int) (layout, string) {
	for _, d := range shape {
		if d < 0 || d > math.MaxInt32 {
			return layout{}, "维度超出范围"
		}
	}
	if attrs <= 0 {
		return layout{}, "属性数非法"
	}

	var l layout
	switch len(shape) {
	case 3:
		if shape[0] != 1 {
			return l, "batch 维必须为 1"
		}
		switch {
		case int(shape[1]) == attrs:
			l = layout{kind: layoutAttrsMajor, n: int(shape[2])}
		case int(shape[2]) == attrs:
			l = layout{kind: layoutDetsMajor, n: int(shape[1]), stride: attrs}
		default:
			return l, "没有与属性数相等的维度"
		}
		if l.n > length/attrs {
			return layout{}, "数据长度不足"
		}
	case 2:
		n, cols := int(shape[0]), int(shape[1])
		if cols < attrs {
			return l, "列数小于属性数"
		}
		if n > 0 && (cols > length || n > length/cols) {
			return layout{}, "数据长度不足"
		}
		l = layout{kind: layoutDetsMajor, n: n, stride: cols}
	default:
		return l, "维度数不支持"
	}
	return l, ""
}
