package images

import (
	"crypto/md5"
	"fmt"
	"image"
)

// ComputeChecksum generates a deterministic checksum of an RGBA image's pixels.
//
// Arguments:
//   - img: The image to compute checksum for.
//
// Returns:
//   - A hex-encoded MD5 checksum string.
//
// Example:
//
// ```go
//
//	checksum := ComputeChecksum(overlay)
//	fmt.Printf("Overlay checksum: %s\n", checksum)
//
// ```
func ComputeChecksum(img *image.RGBA) string {
	if img == nil || len(img.Pix) == 0 {
		return "empty"
	}

	hash := md5.New()
	hash.Write(img.Pix)
	return fmt.Sprintf("%x", hash.Sum(nil))
}
