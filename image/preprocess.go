package image

import (
	"bytes"
	"fmt"
	stdimage "image"

	outfit "github.com/chaodonghu/outfit-generator"
)

// Smallest side we are willing to shrink to while chasing MaxBytes.
const minDimension = 64

type PreprocessConfig struct {
	// Longest side after resizing, in pixels.
	MaxDimension int `yaml:"max_dimension"`

	// Payload limit after encoding.
	MaxBytes int `yaml:"max_bytes"`

	// Initial JPEG quality. Lowered in steps down to MinQuality until the
	// payload fits in MaxBytes.
	Quality    int `yaml:"quality"`
	MinQuality int `yaml:"min_quality"`

	// Inputs whose header declares more pixels than this are rejected
	// before any pixel data is decoded.
	MaxPixels int `yaml:"max_pixels"`
}

func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		MaxDimension: 1024,
		MaxBytes:     4 << 20,
		Quality:      85,
		MinQuality:   50,
		MaxPixels:    40_000_000,
	}
}

// Preprocessor normalizes input images so requests stay under the backends'
// payload limits and finish before their deadlines.
type Preprocessor struct {
	config PreprocessConfig
}

func NewPreprocessor(config PreprocessConfig) (*Preprocessor, error) {
	if config.MaxDimension < minDimension {
		return nil, fmt.Errorf("max dimension must be at least %d: %d", minDimension, config.MaxDimension)
	}
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be positive: %d", config.MaxBytes)
	}
	if config.MinQuality < 1 || config.Quality > 100 || config.MinQuality > config.Quality {
		return nil, fmt.Errorf("invalid jpeg quality range: %d..%d", config.MinQuality, config.Quality)
	}
	if config.MaxPixels <= 0 {
		return nil, fmt.Errorf("max pixels must be positive: %d", config.MaxPixels)
	}
	return &Preprocessor{config: config}, nil
}

func (p *Preprocessor) Prepare(img *outfit.Image) (*outfit.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, invalidf("empty image")
	}

	header, format, err := stdimage.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return nil, invalidf("failed to decode image: %v", err)
	}
	if int64(header.Width)*int64(header.Height) > int64(p.config.MaxPixels) {
		return nil, invalidf("image is %dx%d, over the %d pixel limit", header.Width, header.Height, p.config.MaxPixels)
	}

	if p.compliant(img, header, format) {
		return img, nil
	}

	decoded, _, err := Decode(img.Data)
	if err != nil {
		return nil, err
	}

	bounds := decoded.Bounds()
	width, height := FitWithin(bounds.Dx(), bounds.Dy(), p.config.MaxDimension)
	if width <= 0 || height <= 0 {
		return nil, invalidf("image has no pixels")
	}

	for {
		canvas := Flatten(decoded, width, height)
		data, err := p.encodeWithin(canvas)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return &outfit.Image{Data: data, MimeType: string(ImageTypeJPEG)}, nil
		}

		// Even the lowest quality is too large. Shrink and try again.
		width, height = width*3/4, height*3/4
		if width < minDimension || height < minDimension {
			return nil, invalidf("image cannot be compressed under %d bytes", p.config.MaxBytes)
		}
	}
}

// Already a JPEG within both limits. Sent untouched to avoid a lossy
// re-encode.
func (p *Preprocessor) compliant(img *outfit.Image, header stdimage.Config, format string) bool {
	if img.MimeType != string(ImageTypeJPEG) || format != "jpeg" || len(img.Data) > p.config.MaxBytes {
		return false
	}
	return header.Width <= p.config.MaxDimension && header.Height <= p.config.MaxDimension
}

// Returns nil data when no quality step fits.
func (p *Preprocessor) encodeWithin(img stdimage.Image) ([]byte, error) {
	quality := p.config.Quality
	for {
		data, err := EncodeJPEG(img, quality)
		if err != nil {
			return nil, err
		}
		if len(data) <= p.config.MaxBytes {
			return data, nil
		}
		if quality == p.config.MinQuality {
			return nil, nil
		}
		quality = max(p.config.MinQuality, quality-10)
	}
}
