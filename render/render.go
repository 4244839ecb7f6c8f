// Package render draws completed detections onto the source image.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	iface "GroundingDet/interface"
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// Annotator is a Visualizer that keeps the latest completed set and renders
// it on demand.
type Annotator struct {
	mu     sync.RWMutex
	latest *iface.DetectionSet
}

func NewAnnotator() *Annotator {
	return &Annotator{}
}

func (a *Annotator) Present(set iface.DetectionSet) {
	a.mu.Lock()
	a.latest = &set
	a.mu.Unlock()
}

// Latest returns the most recently presented set.
func (a *Annotator) Latest() (iface.DetectionSet, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return iface.DetectionSet{}, false
	}
	return *a.latest, true
}

// Render returns the latest source image with its records drawn in, as JPEG.
func (a *Annotator) Render() ([]byte, error) {
	set, ok := a.Latest()
	if !ok {
		return nil, errors.New("nothing to render")
	}
	return Annotate(set.Image, set.Records)
}

// Annotate draws each record's box and "label (conf)" onto img.
func Annotate(img []byte, records []iface.DetectionRecord) ([]byte, error) {
	mat, err := DecodeMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	for _, r := range records {
		rect := image.Rect(
			round(r.Box.X), round(r.Box.Y),
			round(r.Box.X+r.Box.W), round(r.Box.Y+r.Box.H),
		)
		if err := gocv.Rectangle(&mat, rect, boxColor, 2); err != nil {
			return nil, errors.Wrap(err, "draw rectangle")
		}
		label := fmt.Sprintf("%s (%.2f)", r.Label, r.Confidence)
		pt := image.Pt(rect.Min.X, max(rect.Min.Y-5, 12))
		if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, 0.5, boxColor, 1); err != nil {
			return nil, errors.Wrap(err, "draw label")
		}
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// DecodeMat decodes image bytes into a colour Mat.
func DecodeMat(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "decode image")
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), errors.New("decoded image is empty or unsupported format")
	}
	return mat, nil
}

func round(v float64) int {
	return int(math.Round(v))
}
