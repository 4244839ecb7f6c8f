// Package imageio turns arbitrary uploaded image bytes into the JPEG
// ImageBuffer the pipeline expects.
package imageio

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	iface "GroundingDet/interface"
)

const JPEGQuality = 90

var supported = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// Load returns data as a JPEG ImageBuffer. JPEGs within maxSide are passed
// through untouched; anything else is decoded, shrunk so that neither side
// exceeds maxSide (0 disables the limit) and re-encoded.
func Load(data []byte, maxSide int) (iface.ImageBuffer, error) {
	if len(data) == 0 {
		return iface.ImageBuffer{}, iface.NewError(iface.KindConfiguration, "empty image")
	}
	mt := mimetype.Detect(data)
	if !supported[mt.String()] {
		return iface.ImageBuffer{}, iface.NewError(iface.KindConfiguration, "unsupported image type %s", mt.String())
	}

	if mt.Is("image/jpeg") {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return iface.ImageBuffer{}, iface.WrapError(iface.KindConfiguration, err, "read jpeg header")
		}
		if !tooLarge(cfg.Width, cfg.Height, maxSide) {
			return iface.ImageBuffer{Data: data, Width: cfg.Width, Height: cfg.Height}, nil
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return iface.ImageBuffer{}, iface.WrapError(iface.KindConfiguration, err, "decode "+mt.String())
	}
	return Encode(img, maxSide)
}

// Encode shrinks img to fit maxSide if needed and encodes it as JPEG.
func Encode(img image.Image, maxSide int) (iface.ImageBuffer, error) {
	b := img.Bounds()
	if tooLarge(b.Dx(), b.Dy(), maxSide) {
		if b.Dx() >= b.Dy() {
			img = resize.Resize(uint(maxSide), 0, img, resize.Lanczos3)
		} else {
			img = resize.Resize(0, uint(maxSide), img, resize.Lanczos3)
		}
		b = img.Bounds()
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return iface.ImageBuffer{}, iface.WrapError(iface.KindConfiguration, err, "encode jpeg")
	}
	return iface.ImageBuffer{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

func tooLarge(w, h, maxSide int) bool {
	return maxSide > 0 && (w > maxSide || h > maxSide)
}
