// Package scene provides simple stand-ins for the host's camera projection and
// surface hit test, enough to place 3D labels on a flat floor or wall.
package scene

import (
	"math"

	iface "GroundingDet/interface"
)

const epsilon = 1e-9

func add(a, b iface.Vector3) iface.Vector3 { return iface.Vector3{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z} }
func sub(a, b iface.Vector3) iface.Vector3 { return iface.Vector3{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z} }
func scale(a iface.Vector3, s float64) iface.Vector3 {
	return iface.Vector3{X: a.X * s, Y: a.Y * s, Z: a.Z * s}
}
func dot(a, b iface.Vector3) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func cross(a, b iface.Vector3) iface.Vector3 {
	return iface.Vector3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

// Normalize returns v scaled to unit length, or v itself when it is zero.
func Normalize(v iface.Vector3) iface.Vector3 {
	l := math.Sqrt(dot(v, v))
	if l < epsilon {
		return v
	}
	return scale(v, 1/l)
}

// PinholeCamera is a perspective camera whose screen matches the captured
// image: Width x Height pixels, origin bottom-left.
type PinholeCamera struct {
	Width    float64
	Height   float64
	FovY     float64 // vertical field of view, degrees
	Position iface.Vector3
	Forward  iface.Vector3
	Up       iface.Vector3
}

func (c PinholeCamera) ScreenPointToRay(x, y float64) iface.Ray {
	forward := Normalize(c.Forward)
	right := Normalize(cross(forward, c.Up))
	up := cross(right, forward)

	halfH := math.Tan(c.FovY * math.Pi / 360)
	halfW := halfH * c.Width / c.Height
	// normalized device coordinates in [-1, 1]
	ndcX := 2*x/c.Width - 1
	ndcY := 2*y/c.Height - 1

	dir := add(forward, add(scale(right, ndcX*halfW), scale(up, ndcY*halfH)))
	return iface.Ray{Origin: c.Position, Direction: Normalize(dir)}
}

// Plane is an infinite surface through Point with the given Normal.
type Plane struct {
	Point  iface.Vector3
	Normal iface.Vector3
}

// Raycast intersects ray with the plane. Hits behind the ray origin and rays
// parallel to the plane report false. The returned normal faces the ray.
func (p Plane) Raycast(ray iface.Ray) (iface.SurfaceHit, bool) {
	n := Normalize(p.Normal)
	denom := dot(n, ray.Direction)
	if math.Abs(denom) < epsilon {
		return iface.SurfaceHit{}, false
	}
	t := dot(sub(p.Point, ray.Origin), n) / denom
	if t < 0 {
		return iface.SurfaceHit{}, false
	}
	if denom > 0 {
		n = scale(n, -1)
	}
	return iface.SurfaceHit{
		Point:  add(ray.Origin, scale(ray.Direction, t)),
		Normal: n,
	}, true
}
