package iface

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned box, origin at the top-left corner.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box center in the same space as the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// ImageBuffer is an encoded JPEG plus its pixel dimensions. It is owned by the
// caller and consumed by exactly one invocation.
type ImageBuffer struct {
	Data   []byte
	Width  int
	Height int
}

// Size returns the image dimensions as a Size.
func (b ImageBuffer) Size() Size {
	return Size{Width: float64(b.Width), Height: float64(b.Height)}
}

// AssetHandle references an uploaded image. Single use.
type AssetHandle struct {
	ID           string
	UploadTarget string
}

// InvocationTicket is the correlation id of an accepted invocation.
type InvocationTicket struct {
	RequestID string
}

// RawResult is the compressed result archive as returned by the service.
type RawResult []byte

type OutcomeKind int

const (
	OutcomeImmediate OutcomeKind = iota + 1
	OutcomeAccepted
)

// InvokeOutcome is either an immediate result or a ticket to poll.
// Rejections are reported as *PipelineError with KindInvokeRejected.
type InvokeOutcome struct {
	Kind   OutcomeKind
	Result RawResult
	Ticket InvocationTicket
}

// DetectionGroup is one phrase with its parallel boxes/confidences arrays.
type DetectionGroup struct {
	Phrase      string      `json:"phrase"`
	Boxes       [][]float64 `json:"bboxes"`
	Confidences []float64   `json:"confidence"`
}

// DetectionPayload is the decoded content of the first choice of a result.
type DetectionPayload struct {
	ID          string
	FrameNo     int
	FrameWidth  int
	FrameHeight int
	Message     string
	Groups      []DetectionGroup
}

// DetectionRecord is one accepted detection in source-image pixel space.
type DetectionRecord struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// ProjectedDetection2D is a detection rect in overlay-widget coordinates.
// Y is measured downward from the top anchor, so it is zero or negative.
type ProjectedDetection2D struct {
	Label string `json:"label"`
	Rect  Rect   `json:"rect"`
}

// ProjectedDetection3D anchors a detection at a surface hit.
type ProjectedDetection3D struct {
	Label       string  `json:"label"`
	WorldPoint  Vector3 `json:"worldPoint"`
	WorldNormal Vector3 `json:"worldNormal"`
}

// DetectionSet is everything a visualizer needs for one completed request.
type DetectionSet struct {
	RequestID string                 `json:"requestId"`
	Source    Size                   `json:"source"`
	Image     []byte                 `json:"-"`
	Records   []DetectionRecord      `json:"records"`
	Overlay   []ProjectedDetection2D `json:"overlay,omitempty"`
	Anchors   []ProjectedDetection3D `json:"anchors,omitempty"`
}

type AnchorMode int

const (
	BoundingBox2D AnchorMode = iota
	SpatialLabel3D
	Both
)

var anchorModeNames = map[AnchorMode]string{
	BoundingBox2D:  "BoundingBox2D",
	SpatialLabel3D: "SpatialLabel3D",
	Both:           "Both",
}

func (m AnchorMode) String() string {
	if s, ok := anchorModeNames[m]; ok {
		return s
	}
	return "Unknown"
}

// Wants2D reports whether overlay rects are produced in this mode.
func (m AnchorMode) Wants2D() bool { return m == BoundingBox2D || m == Both }

// Wants3D reports whether world anchors are produced in this mode.
func (m AnchorMode) Wants3D() bool { return m == SpatialLabel3D || m == Both }

// ParseAnchorMode maps a config string to an AnchorMode.
func ParseAnchorMode(s string) (AnchorMode, bool) {
	for m, name := range anchorModeNames {
		if name == s {
			return m, true
		}
	}
	return BoundingBox2D, false
}
