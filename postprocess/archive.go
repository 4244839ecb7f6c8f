package postprocess

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"

	iface "GroundingDet/interface"
)

const DefaultResultSuffix = ".response"

const (
	// entries larger than this are not read into memory
	maxEntryBytes = 32 << 20
	archiveRoot   = "/archive"
)

type resultEnvelope struct {
	ID      string         `json:"id"`
	Choices []resultChoice `json:"choices" validate:"required,min=1,dive"`
}

type resultChoice struct {
	Index   int            `json:"index"`
	Message *resultMessage `json:"message" validate:"required"`
}

type resultMessage struct {
	Role    string         `json:"role"`
	Content *resultContent `json:"content" validate:"required"`
}

type resultContent struct {
	FrameNo       int           `json:"frameNo"`
	FrameWidth    int           `json:"frameWidth" validate:"gte=0"`
	FrameHeight   int           `json:"frameHeight" validate:"gte=0"`
	Message       string        `json:"message"`
	BoundingBoxes []resultGroup `json:"boundingBoxes"`
}

// resultGroup keeps nulls visible so they can be rejected instead of read as 0.
type resultGroup struct {
	Phrase      string       `json:"phrase"`
	Boxes       [][]*float64 `json:"bboxes"`
	Confidences []*float64   `json:"confidence"`
}

// detectionGroup rejects null numbers. A null box row stays empty.
func (g resultGroup) detectionGroup() (iface.DetectionGroup, error) {
	out := iface.DetectionGroup{Phrase: g.Phrase}
	if g.Boxes != nil {
		out.Boxes = make([][]float64, len(g.Boxes))
		for i, box := range g.Boxes {
			if box == nil {
				continue
			}
			out.Boxes[i] = make([]float64, len(box))
			for j, v := range box {
				if v == nil {
					return iface.DetectionGroup{}, iface.NewError(iface.KindPayloadParse, "%q box %d component %d is null", g.Phrase, i, j)
				}
				out.Boxes[i][j] = *v
			}
		}
	}
	if g.Confidences != nil {
		out.Confidences = make([]float64, len(g.Confidences))
		for i, v := range g.Confidences {
			if v == nil {
				return iface.DetectionGroup{}, iface.NewError(iface.KindPayloadParse, "%q confidence %d is null", g.Phrase, i)
			}
			out.Confidences[i] = *v
		}
	}
	return out, nil
}

// Decoder turns a result archive into a DetectionPayload.
type Decoder struct {
	suffix   string
	validate *validator.Validate
}

// NewDecoder returns a Decoder that consumes the first entry ending in suffix.
// An empty suffix selects DefaultResultSuffix.
func NewDecoder(suffix string) *Decoder {
	if suffix == "" {
		suffix = DefaultResultSuffix
	}
	return &Decoder{suffix: suffix, validate: validator.New()}
}

func (d *Decoder) Decode(raw iface.RawResult) (iface.DetectionPayload, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return iface.DetectionPayload{}, iface.WrapError(iface.KindArchiveFormat, err, "not a zip archive")
	}
	var entry *zip.File
	for _, f := range zr.File {
		if !safeEntryName(f.Name) {
			return iface.DetectionPayload{}, iface.NewError(iface.KindArchiveFormat, "unsafe entry path %q", f.Name)
		}
		if entry == nil && !f.FileInfo().IsDir() && strings.HasSuffix(f.Name, d.suffix) {
			entry = f
		}
	}
	if entry == nil {
		return iface.DetectionPayload{}, iface.NewError(iface.KindPayloadParse, "no entry ending in %q", d.suffix)
	}
	data, err := readEntry(entry)
	if err != nil {
		return iface.DetectionPayload{}, err
	}
	return d.parse(data)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, iface.WrapError(iface.KindArchiveFormat, err, "open "+f.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, iface.WrapError(iface.KindArchiveFormat, err, "read "+f.Name)
	}
	if len(data) > maxEntryBytes {
		return nil, iface.NewError(iface.KindArchiveFormat, "entry %s exceeds %d bytes", f.Name, maxEntryBytes)
	}
	return data, nil
}

func (d *Decoder) parse(data []byte) (iface.DetectionPayload, error) {
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return iface.DetectionPayload{}, iface.WrapError(iface.KindPayloadParse, err, "invalid result json")
	}
	if err := d.validate.Struct(&env); err != nil {
		return iface.DetectionPayload{}, iface.WrapError(iface.KindPayloadParse, err, "unexpected result shape")
	}
	c := env.Choices[0].Message.Content
	var groups []iface.DetectionGroup
	if c.BoundingBoxes != nil {
		groups = make([]iface.DetectionGroup, len(c.BoundingBoxes))
		for i, g := range c.BoundingBoxes {
			group, err := g.detectionGroup()
			if err != nil {
				return iface.DetectionPayload{}, err
			}
			groups[i] = group
		}
	}
	return iface.DetectionPayload{
		ID:          env.ID,
		FrameNo:     c.FrameNo,
		FrameWidth:  c.FrameWidth,
		FrameHeight: c.FrameHeight,
		Message:     c.Message,
		Groups:      groups,
	}, nil
}

// safeEntryName rejects names that would land outside the archive root when
// extracted.
func safeEntryName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return false
	}
	p := path.Join(archiveRoot, name)
	return strings.HasPrefix(p, archiveRoot+"/")
}
