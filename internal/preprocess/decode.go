package preprocess

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"doodle-forge/internal/store"
)

// Decode reads an encoded image (png, jpeg, gif, bmp, tiff or webp) into a raw
// sample buffer and reports the format name.
func Decode(r io.Reader) (store.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return store.Image{}, "", errors.Wrap(err, "decode image")
	}
	out := store.FromImage(img)
	if err := out.Validate(); err != nil {
		return store.Image{}, format, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	return out, format, nil
}
