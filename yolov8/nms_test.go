package yolov8

import (
	"testing"

	"go.viam.com/test"
)

func TestIoU(t *testing.T) {
	a := Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := Box{X1: 5, Y1: 5, X2: 15, Y2: 15}

	test.That(t, IoU(a, a), test.ShouldAlmostEqual, 1.0)
	test.That(t, IoU(a, b), test.ShouldAlmostEqual, 25.0/175.0)
	test.That(t, IoU(b, a), test.ShouldEqual, IoU(a, b))
	test.That(t, IoU(a, Box{X1: 20, Y1: 20, X2: 30, Y2: 30}), test.ShouldEqual, 0.0)

	// 退化框
	test.That(t, IoU(Box{}, Box{}), test.ShouldEqual, 0.0)
	test.That(t, IoU(Box{X1: 10, Y1: 10, X2: 0, Y2: 0}, a), test.ShouldEqual, 0.0)

	boxes := []Box{a, b, {X1: -3, Y1: 2, X2: 4, Y2: 9}, {X1: 1, Y1: 1, X2: 2, Y2: 30}}
	for _, p := range boxes {
		for _, q := range boxes {
			v := IoU(p, q)
			test.That(t, v, test.ShouldBeBetweenOrEqual, 0.0, 1.0)
			test.That(t, v, test.ShouldEqual, IoU(q, p))
		}
	}
}

func TestNMS(t *testing.T) {
	t.Run("same class overlap keeps the higher score", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.6, Box: Box{X1: 1, Y1: 1, X2: 10, Y2: 10}},
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		}
		got := NMS(cands, 0.7)
		test.That(t, got, test.ShouldHaveLength, 1)
		test.That(t, got[0].Score, test.ShouldEqual, 0.9)
		// 入参不被修改
		test.That(t, cands[0].Score, test.ShouldEqual, 0.6)
	})

	t.Run("different classes are not suppressed", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 1, Score: 0.6, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		}
		test.That(t, NMS(cands, 0.7), test.ShouldHaveLength, 2)
	})

	t.Run("iou equal to threshold is kept", func(t *testing.T) {
		// IoU = 50/100
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 0, Score: 0.8, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 5}},
		}
		test.That(t, NMS(cands, 0.5), test.ShouldHaveLength, 2)
	})

	t.Run("equal scores keep the first seen", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 2, Score: 0.5, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 2, Score: 0.5, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 11}},
		}
		got := NMS(cands, 0.7)
		test.That(t, got, test.ShouldHaveLength, 1)
		test.That(t, got[0].Box.Y2, test.ShouldEqual, 10.0)
	})

	t.Run("top candidate of every class survives", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.3, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 1, Score: 0.4, Box: Box{X1: 1, Y1: 1, X2: 10, Y2: 10}},
			{ClassIndex: 0, Score: 0.95, Box: Box{X1: 0, Y1: 0, X2: 9, Y2: 10}},
			{ClassIndex: 1, Score: 0.2, Box: Box{X1: 1, Y1: 1, X2: 10, Y2: 10}},
			{ClassIndex: 3, Score: 0.1, Box: Box{X1: 50, Y1: 50, X2: 60, Y2: 60}},
		}
		got := NMS(cands, 0.7)
		test.That(t, got, test.ShouldHaveLength, 3)
		test.That(t, got[0].Score, test.ShouldEqual, 0.95)
		test.That(t, got[1].Score, test.ShouldEqual, 0.4)
		test.That(t, got[2].Score, test.ShouldEqual, 0.1)
	})

	test.That(t, NMS(nil, 0.7), test.ShouldBeEmpty)
}

func TestDedupeCrossClass(t *testing.T) {
	t.Run("same object with two classes", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 1, Score: 0.5, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		}
		got := DedupeCrossClass(cands, 0.85, 0.85)
		test.That(t, got, test.ShouldHaveLength, 1)
		test.That(t, got[0].ClassIndex, test.ShouldEqual, 0)
	})

	t.Run("iou below threshold keeps both", func(t *testing.T) {
		// IoU = 80/100, 面积比 0.8
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 1, Score: 0.7, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 8}},
		}
		test.That(t, DedupeCrossClass(cands, 0.85, 0.5), test.ShouldHaveLength, 2)
	})

	t.Run("nested small object survives", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 100, Y2: 100}},
			{ClassIndex: 1, Score: 0.7, Box: Box{X1: 10, Y1: 10, X2: 30, Y2: 30}},
		}
		test.That(t, DedupeCrossClass(cands, 0.01, 0.85), test.ShouldHaveLength, 2)
	})

	t.Run("same class is left to nms", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
			{ClassIndex: 0, Score: 0.5, Box: Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		}
		test.That(t, DedupeCrossClass(cands, 0.85, 0.85), test.ShouldHaveLength, 2)
	})

	t.Run("zero area kept box never suppresses", func(t *testing.T) {
		cands := []Candidate{
			{ClassIndex: 0, Score: 0.9, Box: Box{X1: 5, Y1: 5, X2: 5, Y2: 5}},
			{ClassIndex: 1, Score: 0.5, Box: Box{X1: 5, Y1: 5, X2: 5, Y2: 5}},
		}
		test.That(t, DedupeCrossClass(cands, 0.85, 0.85), test.ShouldHaveLength, 2)
		test.That(t, areaRatio(Box{}, Box{X2: 1, Y2: 1}), test.ShouldEqual, 0.0)
	})
}
