package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// PalmImageMaxDimension bounds both sides of the image sent to the model.
	PalmImageMaxDimension = 1024

	// PalmImageJPEGQuality is the quality of the normalised JPEG.
	PalmImageJPEGQuality = 85

	// PalmImageMaxBytes is the largest decoded upload accepted.
	PalmImageMaxBytes = 10 * 1024 * 1024
)

// PalmImageProcessor prepares palm photos for analysis.
type PalmImageProcessor interface {
	// Normalize decodes an image, applies its EXIF orientation, fits it within
	// PalmImageMaxDimension on both sides and re-encodes it as JPEG.
	Normalize(data []byte) ([]byte, error)
}

type imagingProcessor struct{}

// NewImagingProcessor creates a PalmImageProcessor backed by the imaging library.
func NewImagingProcessor() PalmImageProcessor {
	return &imagingProcessor{}
}

func (p *imagingProcessor) Normalize(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > PalmImageMaxDimension || b.Dy() > PalmImageMaxDimension {
		img = imaging.Fit(img, PalmImageMaxDimension, PalmImageMaxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(PalmImageJPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImagePayload accepts raw base64 or a data URL and returns the image
// bytes after checking they decode completely.
func DecodeImagePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("image is required")
	}

	if strings.HasPrefix(payload, "data:") {
		_, after, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data URL")
		}
		payload = after
	}

	if base64.StdEncoding.DecodedLen(len(payload)) > PalmImageMaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", PalmImageMaxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("image is not valid base64: %w", err)
	}

	// A full decode catches truncated uploads that a header check would pass.
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("unsupported image format: %w", err)
		}
		return nil, fmt.Errorf("image could not be decoded: %w", err)
	}
	return data, nil
}
