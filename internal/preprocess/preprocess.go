// Package preprocess turns raw drawings into the fixed-size tensors the
// classifier consumes.
package preprocess

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

// Size is the edge length of a preprocessed image.
const Size = 28

// ErrShapeMismatch is returned for images that cannot be preprocessed.
var ErrShapeMismatch = errors.New("preprocess: shape mismatch")

// Preprocess converts img to one channel, resizes it to Size x Size with
// bilinear interpolation (corners aligned) and maps each pixel p to 1 - p/255.
// The result has shape [1, Size, Size, 1] and is owned by the caller.
//
// Color input is reduced to ITU-R 601 luma, not to its red channel. Gray ink
// gives the same values either way; a pure red stroke on white reads as
// about 0.70 here where a red-channel reduction would read it as 0.
func Preprocess(sess *tensor.Session, img image.Image) (*tensor.Tensor, error) {
	if img == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "image %dx%d has no pixels", b.Dx(), b.Dy())
	}
	return sess.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		pixels, err := grayscale(sc, img)
		if err != nil {
			return nil, err
		}
		resized := resizeBilinear(sc, pixels, Size, Size)
		out := sc.Zeros(1, Size, Size, 1)
		dst := out.Data()
		for i, v := range resized.Data() {
			dst[i] = 1 - v/255
		}
		return out, nil
	})
}

// FromSample preprocesses a stored sample image.
func FromSample(sess *tensor.Session, im store.Image) (*tensor.Tensor, error) {
	if err := im.Validate(); err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	img, err := im.ToImage()
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	return Preprocess(sess, img)
}

// grayscale returns the luma of img as a [H, W, 1] tensor of values in [0, 255].
func grayscale(sc *tensor.Scope, img image.Image) (*tensor.Tensor, error) {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || gray.Rect.Min != (image.Point{}) || gray.Stride != b.Dx() {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}
	out := sc.Zeros(b.Dy(), b.Dx(), 1)
	data := out.Data()
	for i, p := range gray.Pix[:b.Dx()*b.Dy()] {
		data[i] = float32(p)
	}
	return out, nil
}

// resizeBilinear resizes a [H, W, 1] tensor so that the corner pixels of the
// input and output grids coincide.
func resizeBilinear(sc *tensor.Scope, src *tensor.Tensor, outH, outW int) *tensor.Tensor {
	shape := src.Shape()
	inH, inW := shape[0], shape[1]
	in := src.Data()
	out := sc.Zeros(outH, outW, 1)
	dst := out.Data()

	scaleY := alignedScale(inH, outH)
	scaleX := alignedScale(inW, outW)
	for y := 0; y < outH; y++ {
		sy := float64(y) * scaleY
		y0 := int(math.Floor(sy))
		y1 := min(y0+1, inH-1)
		fy := float32(sy - float64(y0))
		for x := 0; x < outW; x++ {
			sx := float64(x) * scaleX
			x0 := int(math.Floor(sx))
			x1 := min(x0+1, inW-1)
			fx := float32(sx - float64(x0))

			top := in[y0*inW+x0] + (in[y0*inW+x1]-in[y0*inW+x0])*fx
			bottom := in[y1*inW+x0] + (in[y1*inW+x1]-in[y1*inW+x0])*fx
			dst[y*outW+x] = top + (bottom-top)*fy
		}
	}
	return out
}

func alignedScale(in, out int) float64 {
	if out <= 1 {
		return 0
	}
	return float64(in-1) / float64(out-1)
}

// ToImage renders a single-channel tensor ([H, W, 1] or [1, H, W, 1]) as a
// grayscale image, mapping 0 to black and 1 to white.
func ToImage(t *tensor.Tensor) (*image.Gray, error) {
	shape := t.Shape()
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[2] != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot render tensor of shape %v", t.Shape())
	}
	h, w := shape[0], shape[1]
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range t.Data() {
		img.SetGray(i%w, i/w, color.Gray{Y: toByte(v)})
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
