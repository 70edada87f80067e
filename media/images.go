// Package media produces image previews for chat attachments.
package media

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png" // register png decoding
	"io"

	"github.com/nfnt/resize"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/drivelinehq/driveline/errs"
)

// jpegQuality is used for every encoded preview.
const jpegQuality = 85

// Info describes a decoded image after orientation correction.
type Info struct {
	Width  int
	Height int
	Format string
}

// Thumbnail decodes a jpeg or png, applies the EXIF orientation, and
// scales the image down to fit inside maxW x maxH preserving aspect
// ratio. Images already inside the box are re-encoded unscaled. The
// result is always jpeg.
func Thumbnail(r io.Reader, maxW, maxH uint) ([]byte, *Info, error) {
	if maxW == 0 && maxH == 0 {
		return nil, nil, errs.Validation("thumbnail needs a non-zero bound", nil)
	}

	// Two decode passes (EXIF, pixels) need a rewindable source.
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, errs.Validation("failed to read image: "+err.Error(), nil)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, errs.Validation("unsupported image format", nil)
	}

	img = applyOrientation(img, exifOrientation(raw))

	bounds := img.Bounds()
	if uint(bounds.Dx()) > maxW || uint(bounds.Dy()) > maxH {
		img = resize.Thumbnail(maxW, maxH, img, resize.Lanczos3)
		bounds = img.Bounds()
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, nil, errs.Internal("failed to encode thumbnail", err)
	}
	return out.Bytes(), &Info{Width: bounds.Dx(), Height: bounds.Dy(), Format: format}, nil
}

// exifOrientation returns the EXIF orientation tag, 1 when absent.
func exifOrientation(raw []byte) int {
	meta, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 1
	}
	tag, err := meta.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation rewrites the pixels so the image displays upright
// without its EXIF tag. Values follow the EXIF 2.2 table.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return flipH(img)
	case 3:
		return rotate180(img)
	case 4:
		return flipV(img)
	case 5:
		return flipH(rotate270(img))
	case 6:
		return rotate90(img)
	case 7:
		return flipH(rotate90(img))
	case 8:
		return rotate270(img)
	default:
		return img
	}
}

func flipH(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

func flipV(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, b.Dy()-1-y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

func rotate90(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(b.Dy()-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

func rotate180(img image.Image) image.Image {
	return flipH(flipV(img))
}

func rotate270(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(y, b.Dx()-1-x, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}
