package image

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	stdimage "image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/url"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	outfit "github.com/chaodonghu/outfit-generator"
)

type ImageType string

const (
	ImageTypeJPEG ImageType = "image/jpeg"
	ImageTypePNG  ImageType = "image/png"
	ImageTypeGIF  ImageType = "image/gif"
	ImageTypeWebP ImageType = "image/webp"
)

var validImageTypes = map[string]ImageType{
	"image/jpeg": ImageTypeJPEG,
	"image/jpg":  ImageTypeJPEG,
	"image/png":  ImageTypePNG,
	"image/gif":  ImageTypeGIF,
	"image/webp": ImageTypeWebP,
}

// Names registered by the decoders above.
var formatTypes = map[string]ImageType{
	"jpeg": ImageTypeJPEG,
	"png":  ImageTypePNG,
	"gif":  ImageTypeGIF,
	"webp": ImageTypeWebP,
}

// ErrInvalidImage marks input that can never be sent to a provider. Retrying
// does not help.
var ErrInvalidImage = errors.New("invalid image")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidImage, fmt.Sprintf(format, args...))
}

// ToImageType normalizes a Content-Type value. E.g., "image/png; charset=x"
func ToImageType(contentType string) (ImageType, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	imageType, ok := validImageTypes[mediaType]
	return imageType, ok
}

func ParseDataURL(dataURL string) (*outfit.Image, error) {
	header, data, found := strings.Cut(dataURL, ",")
	if !found || !strings.HasPrefix(header, "data:") {
		return nil, invalidf("malformed data URL")
	}

	mediaType, params, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")
	imageType, ok := ToImageType(mediaType)
	if !ok {
		return nil, invalidf("unsupported image type: %s", mediaType)
	}

	var payload []byte
	if strings.Contains(params, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, invalidf("failed to decode base64 data: %v", err)
		}
		payload = decoded
	} else {
		unescaped, err := url.PathUnescape(data)
		if err != nil {
			return nil, invalidf("failed to unescape data URL: %v", err)
		}
		payload = []byte(unescaped)
	}
	if len(payload) == 0 {
		return nil, invalidf("empty data URL")
	}

	return &outfit.Image{Data: payload, MimeType: string(imageType)}, nil
}

func ToDataURL(img *outfit.Image) string {
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
}

// Decode decodes any supported format and reports its MIME type.
func Decode(data []byte) (stdimage.Image, ImageType, error) {
	decoded, format, err := stdimage.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", invalidf("failed to decode image: %v", err)
	}
	imageType, ok := formatTypes[format]
	if !ok {
		return nil, "", invalidf("unsupported image format: %s", format)
	}
	return decoded, imageType, nil
}

func EncodeJPEG(img stdimage.Image, quality int) ([]byte, error) {
	var buffer bytes.Buffer
	if err := jpeg.Encode(&buffer, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %v", err)
	}
	return buffer.Bytes(), nil
}

// Flatten draws src scaled to width x height onto an opaque white canvas.
func Flatten(src stdimage.Image, width int, height int) *stdimage.RGBA {
	canvas := stdimage.NewRGBA(stdimage.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), stdimage.NewUniform(color.White), stdimage.Point{}, draw.Src)
	draw.CatmullRom.Scale(canvas, canvas.Bounds(), src, src.Bounds(), draw.Over, nil)
	return canvas
}

// FitWithin returns the size of a width x height image shrunk to fit inside
// a square of maxDimension, keeping the aspect ratio. Never upscales.
func FitWithin(width int, height int, maxDimension int) (int, int) {
	if maxDimension <= 0 || (width <= maxDimension && height <= maxDimension) {
		return width, height
	}
	if width >= height {
		return maxDimension, max(1, height*maxDimension/width)
	}
	return max(1, width*maxDimension/height), maxDimension
}
