package engine

import (
	"strconv"
	"time"

	iface "GroundingDet/interface"
	"GroundingDet/postprocess"
)

type State int

const (
	Idle State = iota
	UploadingAsset
	Uploaded
	Invoking
	DirectResult
	Polling
	Decoding
	Filtering
	Projecting
	Completed
	Failed
)

var stateNames = [...]string{
	Idle:           "Idle",
	UploadingAsset: "UploadingAsset",
	Uploaded:       "Uploaded",
	Invoking:       "Invoking",
	DirectResult:   "DirectResult",
	Polling:        "Polling",
	Decoding:       "Decoding",
	Filtering:      "Filtering",
	Projecting:     "Projecting",
	Completed:      "Completed",
	Failed:         "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

type PollConfig struct {
	IntervalSeconds float64
	MaxAttempts     int
}

// Request is everything one pipeline run needs. Threshold drives the local
// confidence filter; ServerThreshold is sent with the invocation. The two are
// independent knobs.
type Request struct {
	Image           iface.ImageBuffer
	Prompt          string
	Threshold       float64
	ServerThreshold float64
	Poll            PollConfig
	Projection      postprocess.Projection
}

// Validate rejects requests that could not succeed, before any network call.
func (r Request) Validate() error {
	switch {
	case len(r.Image.Data) == 0:
		return iface.NewError(iface.KindConfiguration, "empty image")
	case r.Image.Width <= 0 || r.Image.Height <= 0:
		return iface.NewError(iface.KindConfiguration, "invalid image size %dx%d", r.Image.Width, r.Image.Height)
	case r.Prompt == "":
		return iface.NewError(iface.KindConfiguration, "empty prompt")
	case r.Threshold < 0 || r.Threshold > 1:
		return iface.NewError(iface.KindConfiguration, "threshold %v outside [0,1]", r.Threshold)
	case r.ServerThreshold < 0 || r.ServerThreshold > 1:
		return iface.NewError(iface.KindConfiguration, "server threshold %v outside [0,1]", r.ServerThreshold)
	case r.Poll.MaxAttempts < 1:
		return iface.NewError(iface.KindConfiguration, "polling max retries must be at least 1")
	case r.Poll.IntervalSeconds <= 0:
		return iface.NewError(iface.KindConfiguration, "polling interval must be positive")
	}
	p := r.Projection
	if p.Mode.Wants2D() && (p.Overlay.Width <= 0 || p.Overlay.Height <= 0) {
		return iface.NewError(iface.KindConfiguration, "overlay size required for %s", p.Mode)
	}
	if p.Mode.Wants3D() && (p.Camera == nil || p.Surface == nil) {
		return iface.NewError(iface.KindConfiguration, "camera and surface required for %s", p.Mode)
	}
	return nil
}

// Update is one state transition of a run. Set is only present on Completed,
// Err only on Failed.
type Update struct {
	RequestID string              `json:"requestId"`
	State     State               `json:"state"`
	At        time.Time           `json:"at"`
	Err       error               `json:"-"`
	ErrorKind string              `json:"errorKind,omitempty"`
	Error     string              `json:"error,omitempty"`
	Set       *iface.DetectionSet `json:"result,omitempty"`
}

func failedUpdate(id string, err error) Update {
	return Update{
		RequestID: id,
		State:     Failed,
		At:        time.Now(),
		Err:       err,
		ErrorKind: iface.KindOf(err).String(),
		Error:     err.Error(),
	}
}
