package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmpty    = errors.New("empty image data")
	ErrTooLarge = errors.New("image exceeds pixel limit")
	ErrDataURL  = errors.New("malformed data url")
)

// Decode reads the header first so oversized images are rejected before
// their pixels are allocated. maxPixels <= 0 disables the check.
// EXIF orientation is applied, so phone photos come out upright.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image header: %w", err)
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d > %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, format, fmt.Errorf("failed to decode %s image: %w", format, err)
	}
	return img, format, nil
}

// DecodeDataURL extracts the payload of a base64 data URL such as the
// camera plugin returns ("data:image/jpeg;base64,..."). A bare base64
// string is accepted as well.
func DecodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}

	payload := s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, fmt.Errorf("%w: missing payload separator", ErrDataURL)
		}
		mime, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, fmt.Errorf("%w: only base64 payloads are supported", ErrDataURL)
		}
		if mime != "" && !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%w: unsupported media type %q", ErrDataURL, mime)
		}
		payload = body
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some encoders drop the padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataURL, err)
		}
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return data, nil
}
