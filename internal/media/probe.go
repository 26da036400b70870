// Package media inspects archived image files.
package media

import (
	"fmt"

	"github.com/disintegration/imaging"
)

// Dimensions returns the pixel size of the image at path.
func Dimensions(path string) (int, int, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open image: %w", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// IsSmall reports whether the shortest side is below minPixels.
func IsSmall(width, height, minPixels int) bool {
	if minPixels <= 0 {
		return false
	}
	return min(width, height) < minPixels
}
