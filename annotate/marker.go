package annotate

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultRadius is the marker radius in pixels
const DefaultRadius = 15

// MaxRadius bounds the radius so the ellipse test in fillEllipse stays
// within int64
const MaxRadius = 4096

// jpegQuality matches the usual default of image tooling
const jpegQuality = 75

var (
	// ErrInvalidPoint is returned when the point is not two comma separated integers
	ErrInvalidPoint = errors.New("invalid point format")
	// ErrInvalidImage is returned when the payload is not base64 or not a decodable image
	ErrInvalidImage = errors.New("invalid image payload")
	// ErrInvalidRadius is returned when the radius is not in 1..MaxRadius
	ErrInvalidRadius = errors.New("invalid marker radius")
)

// MarkerColor is the fill used for the marker
var MarkerColor = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

// ParsePoint parses a referent point given as "x,y"
func ParsePoint(s string) (image.Point, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 2 {
		return image.Point{}, fmt.Errorf("%w: %q", ErrInvalidPoint, s)
	}

	x, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %q", ErrInvalidPoint, s)
	}
	y, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %q", ErrInvalidPoint, s)
	}

	return image.Point{X: x, Y: y}, nil
}

// DrawCircle draws a filled red circle of the given radius centred on point
// and returns the re-encoded JPEG as base64.
//
// When the point cannot be parsed the input string is returned verbatim
// along with ErrInvalidPoint, without touching the image bytes. A radius
// outside 1..MaxRadius returns ErrInvalidRadius. Any other error leaves
// the returned string empty.
func DrawCircle(imageB64, point string, radius int) (string, error) {
	center, err := ParsePoint(point)
	if err != nil {
		return imageB64, err
	}
	if radius <= 0 || radius > MaxRadius {
		return "", fmt.Errorf("%w: %d", ErrInvalidRadius, radius)
	}

	raw, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	src, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	canvas := toRGB(src)
	fillEllipse(canvas, image.Rect(center.X-radius, center.Y-radius, center.X+radius, center.Y+radius), MarkerColor)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// toRGB copies src into an opaque canvas anchored at (0,0).
// Alpha is discarded rather than composited so colour channels keep
// their stored values, and grayscale sources are expanded to RGB.
func toRGB(src image.Image) *image.NRGBA {
	dst := imaging.Clone(src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// fillEllipse fills the ellipse inscribed in box, edges inclusive.
// Pixels outside the canvas are skipped.
func fillEllipse(img *image.NRGBA, box image.Rectangle, c color.NRGBA) {
	// Doubled coordinates keep the centre integral for any box size
	cx, cy := int64(box.Min.X+box.Max.X), int64(box.Min.Y+box.Max.Y)
	w, h := int64(box.Dx()), int64(box.Dy())
	if w <= 0 || h <= 0 {
		return
	}

	minX, maxX := max(box.Min.X, img.Rect.Min.X), min(box.Max.X, img.Rect.Max.X-1)
	minY, maxY := max(box.Min.Y, img.Rect.Min.Y), min(box.Max.Y, img.Rect.Max.Y-1)

	for y := minY; y <= maxY; y++ {
		dy := 2*int64(y) - cy
		for x := minX; x <= maxX; x++ {
			dx := 2*int64(x) - cx
			if dx*dx*h*h+dy*dy*w*w <= w*w*h*h {
				img.SetNRGBA(x, y, c)
			}
		}
	}
}
