package iface

import "context"

type Vector3 struct {
	X, Y, Z float64
}

// Ray is a world-space half line.
type Ray struct {
	Origin    Vector3
	Direction Vector3
}

type SurfaceHit struct {
	Point  Vector3
	Normal Vector3
}

// Camera turns a screen pixel (origin bottom-left) into a world ray.
type Camera interface {
	ScreenPointToRay(x, y float64) Ray
}

// SurfaceCaster finds the first surface along a ray. It must not block.
type SurfaceCaster interface {
	Raycast(ray Ray) (SurfaceHit, bool)
}

// Visualizer receives the detection set of every completed request.
type Visualizer interface {
	Present(set DetectionSet)
}

type Uploader interface {
	Upload(ctx context.Context, image ImageBuffer) (AssetHandle, error)
}

type Invoker interface {
	Invoke(ctx context.Context, asset AssetHandle, prompt string, threshold float64) (InvokeOutcome, error)
}

type Poller interface {
	Poll(ctx context.Context, ticket InvocationTicket, interval float64, maxAttempts int) (RawResult, error)
}
