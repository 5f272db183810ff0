package fallback

import (
	"context"
	"fmt"
	stdimage "image"
	"image/color"

	"golang.org/x/image/draw"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/image"
)

type Config struct {
	// Width of the composite. Inputs narrower than this are not upscaled.
	Width int `yaml:"width"`

	// Vertical gap between the two pieces, in pixels.
	Gap     int `yaml:"gap"`
	Quality int `yaml:"quality"`
}

func DefaultConfig() Config {
	return Config{Width: 768, Gap: 16, Quality: 90}
}

// Compositor builds a local stand-in outfit when no backend could generate
// one: the two pieces stacked vertically on a white canvas.
type Compositor struct {
	config Config
}

func NewCompositor(config Config) (*Compositor, error) {
	if config.Width <= 0 {
		return nil, fmt.Errorf("width must be positive")
	}
	if config.Gap < 0 {
		return nil, fmt.Errorf("gap must not be negative")
	}
	if config.Quality < 1 || config.Quality > 100 {
		return nil, fmt.Errorf("quality must be between 1 and 100")
	}
	return &Compositor{config: config}, nil
}

func (c *Compositor) Compose(ctx context.Context, upper *outfit.Image, lower *outfit.Image) (*outfit.Image, error) {
	if upper == nil || lower == nil {
		return nil, fmt.Errorf("two images are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	upperImage, _, err := image.Decode(upper.Data)
	if err != nil {
		return nil, fmt.Errorf("upper image: %w", err)
	}
	lowerImage, _, err := image.Decode(lower.Data)
	if err != nil {
		return nil, fmt.Errorf("lower image: %w", err)
	}

	width := min(c.config.Width, max(upperImage.Bounds().Dx(), lowerImage.Bounds().Dx()))
	upperHeight := scaledHeight(upperImage.Bounds(), width)
	lowerHeight := scaledHeight(lowerImage.Bounds(), width)
	if width <= 0 || upperHeight <= 0 || lowerHeight <= 0 {
		return nil, fmt.Errorf("empty input image")
	}

	canvas := stdimage.NewRGBA(stdimage.Rect(0, 0, width, upperHeight+c.config.Gap+lowerHeight))
	draw.Draw(canvas, canvas.Bounds(), stdimage.NewUniform(color.White), stdimage.Point{}, draw.Src)

	upperFlat := image.Flatten(upperImage, width, upperHeight)
	draw.Draw(canvas, upperFlat.Bounds(), upperFlat, stdimage.Point{}, draw.Src)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lowerFlat := image.Flatten(lowerImage, width, lowerHeight)
	lowerRect := stdimage.Rect(0, upperHeight+c.config.Gap, width, upperHeight+c.config.Gap+lowerHeight)
	draw.Draw(canvas, lowerRect, lowerFlat, stdimage.Point{}, draw.Src)

	data, err := image.EncodeJPEG(canvas, c.config.Quality)
	if err != nil {
		return nil, err
	}
	return &outfit.Image{Data: data, MimeType: string(image.ImageTypeJPEG)}, nil
}

func scaledHeight(bounds stdimage.Rectangle, width int) int {
	if bounds.Dx() == 0 {
		return 0
	}
	return max(1, bounds.Dy()*width/bounds.Dx())
}
