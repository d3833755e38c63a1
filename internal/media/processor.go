// Package media decodes, validates and stores images attached to comments.
package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/google/uuid"
	"github.com/nfnt/resize"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

// Prefix is the key prefix every stored image lives under.
const Prefix = "chat/images"

// Thumbnail bounds applied when no other box is configured.
const (
	DefaultMaxWidth  = 320
	DefaultMaxHeight = 240
)

// DefaultMaxPixels bounds width*height of an upload before its pixels are decoded.
const DefaultMaxPixels = 25_000_000

// User-visible rejection texts.
const (
	ErrTextInvalidData = "Invalid image data."
	ErrTextInvalidType = "Invalid image type. Allowed types: JPG, PNG, GIF."
	ErrTextInvalidFile = "Invalid file. Please upload a valid image."
	ErrTextTooLarge    = "Image is too large."
)

var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
}

// declaredTypes are the MIME types a data URI may announce.
var declaredTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
}

// File is a validated image ready to be stored.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Key is the storage key of the file.
func (f *File) Key() string {
	return Prefix + "/" + f.Name
}

// Processor turns data URIs into validated, size-bounded images.
type Processor struct {
	maxBytes  int
	maxPixels int
	maxWidth  uint
	maxHeight uint
}

// NewProcessor creates a processor. maxBytes 0 disables the size check; a zero
// dimension selects the default thumbnail box.
func NewProcessor(maxBytes int, maxWidth, maxHeight uint) *Processor {
	if maxWidth == 0 {
		maxWidth = DefaultMaxWidth
	}
	if maxHeight == 0 {
		maxHeight = DefaultMaxHeight
	}
	return &Processor{maxBytes: maxBytes, maxPixels: DefaultMaxPixels, maxWidth: maxWidth, maxHeight: maxHeight}
}

// WithMaxPixels sets the width*height cap checked before decoding. A
// non-positive value keeps DefaultMaxPixels.
func (p *Processor) WithMaxPixels(n int) *Processor {
	if n > 0 {
		p.maxPixels = n
	}
	return p
}

// Process decodes a "data:image/<ext>;base64,<payload>" string. The image must be
// a JPEG, PNG or GIF; anything larger than the thumbnail box is scaled down
// preserving aspect ratio. Rejections are *domain.ValidationError.
func (p *Processor) Process(dataURI string) (*File, error) {
	header, payload, ok := strings.Cut(dataURI, ";base64,")
	if !ok {
		return nil, domain.NewValidationError(ErrTextInvalidData)
	}
	if declared := declaredType(header); declared != "" && !declaredTypes[declared] {
		return nil, domain.NewValidationError(ErrTextInvalidType)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return nil, domain.NewValidationError(ErrTextInvalidData)
		}
	}
	if p.maxBytes > 0 && len(raw) > p.maxBytes {
		return nil, domain.NewValidationError(ErrTextTooLarge)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewValidationError(ErrTextInvalidFile)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, domain.NewValidationError(ErrTextInvalidFile)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(p.maxPixels) {
		return nil, domain.NewValidationError(ErrTextTooLarge)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewValidationError(ErrTextInvalidFile)
	}
	contentType := contentTypes[format]

	data := raw
	b := img.Bounds()
	if uint(b.Dx()) > p.maxWidth || uint(b.Dy()) > p.maxHeight {
		thumb := resize.Thumbnail(p.maxWidth, p.maxHeight, img, resize.Lanczos3)
		data, err = encode(thumb, format)
		if err != nil {
			return nil, domain.NewValidationError(ErrTextInvalidFile)
		}
	}

	return &File{
		Name:        "image_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "." + format,
		ContentType: contentType,
		Data:        data,
	}, nil
}

// declaredType returns the lower-cased MIME type of a "data:<type>" header, or
// "" when the header names none.
func declaredType(header string) string {
	mime, ok := strings.CutPrefix(strings.TrimSpace(header), "data:")
	if !ok {
		return ""
	}
	mime, _, _ = strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
