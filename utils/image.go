package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// ErrEmptyImage is returned when the payload decodes to zero bytes.
var ErrEmptyImage = errors.New("empty image")

// DecodeBase64Image accepts either a bare base64 string or a data URI
// ("data:<mime>;base64,<data>") and returns the raw bytes and content type.
func DecodeBase64Image(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	contentType := ""

	if strings.HasPrefix(payload, "data:") {
		parts := strings.SplitN(payload, ",", 2)
		if len(parts) != 2 {
			return nil, "", fmt.Errorf("invalid data URI")
		}
		meta := strings.TrimPrefix(parts[0], "data:") // "image/jpeg;base64"
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("data URI is not base64 encoded")
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		payload = parts[1]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some clients strip the padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode image: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return data, contentType, nil
}

// ImageExtension maps a content type to a file extension for object keys.
func ImageExtension(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
