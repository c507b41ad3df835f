package store

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Image is a raw pixel buffer: row-major, channels interleaved.
// Channels is 1 (gray), 3 (RGB) or 4 (non-premultiplied RGBA, as produced by a canvas).
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// Validate checks the buffer length against the declared geometry.
func (im Image) Validate() error {
	if im.Width <= 0 || im.Height <= 0 {
		return errors.Errorf("image %dx%d has no pixels", im.Width, im.Height)
	}
	switch im.Channels {
	case 1, 3, 4:
	default:
		return errors.Errorf("image has %d channels, want 1, 3 or 4", im.Channels)
	}
	if want := im.Width * im.Height * im.Channels; len(im.Pix) != want {
		return errors.Errorf("image %dx%dx%d needs %d bytes, got %d", im.Width, im.Height, im.Channels, want, len(im.Pix))
	}
	return nil
}

// FromImage copies img into a raw buffer. Gray images keep one channel,
// everything else is stored as RGBA.
func FromImage(img image.Image) Image {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok {
		out := Image{Width: b.Dx(), Height: b.Dy(), Channels: 1, Pix: make([]uint8, b.Dx()*b.Dy())}
		for y := 0; y < b.Dy(); y++ {
			row := g.Pix[(y+b.Min.Y-g.Rect.Min.Y)*g.Stride+(b.Min.X-g.Rect.Min.X):]
			copy(out.Pix[y*b.Dx():(y+1)*b.Dx()], row[:b.Dx()])
		}
		return out
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return Image{Width: b.Dx(), Height: b.Dy(), Channels: 4, Pix: dst.Pix}
}

// ToImage returns an image.Image view of the buffer.
func (im Image) ToImage() (image.Image, error) {
	if err := im.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, im.Width, im.Height)
	switch im.Channels {
	case 1:
		return &image.Gray{Pix: im.Pix, Stride: im.Width, Rect: rect}, nil
	case 4:
		return &image.NRGBA{Pix: im.Pix, Stride: im.Width * 4, Rect: rect}, nil
	default:
		out := image.NewNRGBA(rect)
		for i := 0; i < im.Width*im.Height; i++ {
			out.SetNRGBA(i%im.Width, i/im.Width, color.NRGBA{
				R: im.Pix[i*3], G: im.Pix[i*3+1], B: im.Pix[i*3+2], A: 0xff,
			})
		}
		return out, nil
	}
}
