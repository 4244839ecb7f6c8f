package postprocess

import (
	"testing"

	"github.com/frankban/quicktest"

	iface "GroundingDet/interface"
)

func TestFilter(t *testing.T) {
	c := quicktest.New(t)

	testCases := []struct {
		name      string
		groups    []iface.DetectionGroup
		threshold float64
		expected  []iface.DetectionRecord
	}{
		{
			name: "boundary is inclusive",
			groups: []iface.DetectionGroup{
				{Phrase: "cat", Boxes: [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}}, Confidences: []float64{0.3, 0.29}},
			},
			threshold: 0.3,
			expected: []iface.DetectionRecord{
				{Label: "cat", Confidence: 0.3, Box: iface.Rect{X: 1, Y: 2, W: 3, H: 4}},
			},
		},
		{
			name: "short boxes are dropped regardless of confidence",
			groups: []iface.DetectionGroup{
				{Phrase: "dog", Boxes: [][]float64{{1, 2, 3}, {}, {9, 9, 9, 9}}, Confidences: []float64{1, 1, 0.9}},
			},
			threshold: 0,
			expected: []iface.DetectionRecord{
				{Label: "dog", Confidence: 0.9, Box: iface.Rect{X: 9, Y: 9, W: 9, H: 9}},
			},
		},
		{
			name: "null box row is skipped",
			groups: []iface.DetectionGroup{
				{Phrase: "cat", Boxes: [][]float64{nil, {10, 20, 100, 80}}, Confidences: []float64{0.9, 0.8}},
			},
			threshold: 0,
			expected: []iface.DetectionRecord{
				{Label: "cat", Confidence: 0.8, Box: iface.Rect{X: 10, Y: 20, W: 100, H: 80}},
			},
		},
		{
			name: "absent confidences default to one",
			groups: []iface.DetectionGroup{
				{Phrase: "cup", Boxes: [][]float64{{0, 0, 10, 10}}},
			},
			threshold: 1,
			expected: []iface.DetectionRecord{
				{Label: "cup", Confidence: 1, Box: iface.Rect{W: 10, H: 10}},
			},
		},
		{
			name: "short confidences default missing indices to one",
			groups: []iface.DetectionGroup{
				{Phrase: "cup", Boxes: [][]float64{{0, 0, 1, 1}, {2, 2, 1, 1}}, Confidences: []float64{0.1}},
			},
			threshold: 0.5,
			expected: []iface.DetectionRecord{
				{Label: "cup", Confidence: 1, Box: iface.Rect{X: 2, Y: 2, W: 1, H: 1}},
			},
		},
		{
			name: "group order then index order",
			groups: []iface.DetectionGroup{
				{Phrase: "b", Boxes: [][]float64{{1, 1, 1, 1}, {2, 2, 2, 2}}, Confidences: []float64{0.8, 0.9}},
				{Phrase: "a", Boxes: [][]float64{{3, 3, 3, 3}}, Confidences: []float64{0.7}},
			},
			threshold: 0.5,
			expected: []iface.DetectionRecord{
				{Label: "b", Confidence: 0.8, Box: iface.Rect{X: 1, Y: 1, W: 1, H: 1}},
				{Label: "b", Confidence: 0.9, Box: iface.Rect{X: 2, Y: 2, W: 2, H: 2}},
				{Label: "a", Confidence: 0.7, Box: iface.Rect{X: 3, Y: 3, W: 3, H: 3}},
			},
		},
		{
			name:      "nothing passes",
			groups:    []iface.DetectionGroup{{Phrase: "x", Boxes: [][]float64{{1, 1, 1, 1}}, Confidences: []float64{0.1}}},
			threshold: 0.2,
			expected:  []iface.DetectionRecord{},
		},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *quicktest.C) {
			got := Filter(iface.DetectionPayload{Groups: tc.groups}, tc.threshold)
			c.Assert(got, quicktest.DeepEquals, tc.expected)
		})
	}
}

func TestFilter_DoesNotMutateSource(t *testing.T) {
	c := quicktest.New(t)
	groups := []iface.DetectionGroup{
		{Phrase: "cat", Boxes: [][]float64{{1, 2, 3, 4}, {1, 2}}, Confidences: []float64{0.9, 0.1}},
	}
	payload := iface.DetectionPayload{Groups: groups}
	_ = Filter(payload, 0.5)
	c.Assert(groups[0].Boxes, quicktest.DeepEquals, [][]float64{{1, 2, 3, 4}, {1, 2}})
	c.Assert(groups[0].Confidences, quicktest.DeepEquals, []float64{0.9, 0.1})
}
