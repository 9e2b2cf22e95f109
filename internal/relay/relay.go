// Package relay receives segmentation results pushed from the engine side as
// a base64 rgb image and mask pair, and sends such pairs.
package relay

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// files written into the relay directory
const (
	RGBFile  = "rgb_image.png"
	MaskFile = "mask_image.png"
)

// Payload is the relay request body
type Payload struct {
	RGBImage  string `json:"rgb_image"`
	MaskImage string `json:"mask_image"`
}

// Response is the relay response body
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// response statuses
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusError   = "error"
)

var errEmptyImage = errors.New("empty image data")

// EncodeImage base64 encodes image bytes for a Payload
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeImage decodes a base64 image, tolerating a data URL prefix and
// missing padding
func DecodeImage(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errEmptyImage
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var rerr error
		if raw, rerr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rerr != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// savePNG writes img as PNG through a temporary file
func savePNG(dir, name string, img image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create relay directory: %w", err)
	}

	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return target, nil
}
