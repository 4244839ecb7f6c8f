package postprocess

import iface "GroundingDet/interface"

// Projection selects which target spaces Project fills.
type Projection struct {
	Mode    iface.AnchorMode
	Overlay iface.Size
	Camera  iface.Camera
	Surface iface.SurfaceCaster
}

// ProjectOverlay maps a source-pixel box into a top-anchored overlay widget.
// The overlay y axis grows upward, so the origin is stored as -y*scaleY.
func ProjectOverlay(box iface.Rect, source, target iface.Size) iface.Rect {
	scaleX := target.Width / source.Width
	scaleY := target.Height / source.Height
	return iface.Rect{
		X: box.X * scaleX,
		Y: -box.Y * scaleY,
		W: box.W * scaleX,
		H: box.H * scaleY,
	}
}

// ProjectAnchor casts a ray through the box center and reports the surface it
// hits. ok is false when nothing lies along the ray.
func ProjectAnchor(box iface.Rect, source iface.Size, cam iface.Camera, surface iface.SurfaceCaster) (iface.SurfaceHit, bool) {
	cx, cy := box.Center()
	// image rows run top-down, screen pixels bottom-up
	ray := cam.ScreenPointToRay(cx, source.Height-cy)
	return surface.Raycast(ray)
}

// Project runs the projections selected by p.Mode over every record.
func Project(records []iface.DetectionRecord, source iface.Size, p Projection) ([]iface.ProjectedDetection2D, []iface.ProjectedDetection3D) {
	var overlay []iface.ProjectedDetection2D
	var anchors []iface.ProjectedDetection3D
	if p.Mode.Wants2D() {
		overlay = make([]iface.ProjectedDetection2D, 0, len(records))
		for _, r := range records {
			overlay = append(overlay, iface.ProjectedDetection2D{
				Label: r.Label,
				Rect:  ProjectOverlay(r.Box, source, p.Overlay),
			})
		}
	}
	if p.Mode.Wants3D() {
		anchors = make([]iface.ProjectedDetection3D, 0, len(records))
		for _, r := range records {
			hit, ok := ProjectAnchor(r.Box, source, p.Camera, p.Surface)
			if !ok {
				continue
			}
			anchors = append(anchors, iface.ProjectedDetection3D{
				Label:       r.Label,
				WorldPoint:  hit.Point,
				WorldNormal: hit.Normal,
			})
		}
	}
	return overlay, anchors
}
