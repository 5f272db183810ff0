package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/afero"

	outfit "github.com/chaodonghu/outfit-generator"
)

const (
	defaultTimeout = 10 * time.Second

	// Upper bound on a single input image before preprocessing.
	defaultMaxDownloadBytes = 20 << 20
)

// Loader resolves image references into bytes: data URLs, http(s) URLs,
// file:// URLs and bare paths.
type Loader struct {
	fs               afero.Fs
	httpClient       *http.Client
	maxDownloadBytes int64
}

func NewLoader(fs afero.Fs) *Loader {
	return &Loader{
		fs: fs,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		maxDownloadBytes: defaultMaxDownloadBytes,
	}
}

func (l *Loader) Load(ctx context.Context, ref string) (*outfit.Image, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, invalidf("empty image reference")
	case strings.HasPrefix(ref, "data:"):
		return ParseDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.download(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		parsed, err := url.Parse(ref)
		if err != nil {
			return nil, invalidf("malformed file URL: %v", err)
		}
		return l.readFile(parsed.Path)
	}
	return l.readFile(ref)
}

func (l *Loader) download(ctx context.Context, imageURL string) (*outfit.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, invalidf("failed to download image: status %d", resp.StatusCode)
	}

	imageType, valid := ToImageType(resp.Header.Get("Content-Type"))
	if !valid {
		return nil, invalidf("unsupported image type: %s", resp.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > l.maxDownloadBytes {
		return nil, invalidf("image exceeds %d bytes", l.maxDownloadBytes)
	}

	return &outfit.Image{Data: data, MimeType: string(imageType)}, nil
}

func (l *Loader) readFile(path string) (*outfit.Image, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return nil, invalidf("failed to open image %s: %v", path, err)
	}
	if info.Size() > l.maxDownloadBytes {
		return nil, invalidf("image exceeds %d bytes", l.maxDownloadBytes)
	}

	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	imageType, valid := ToImageType(http.DetectContentType(data))
	if !valid {
		return nil, invalidf("unsupported image type for %s", path)
	}
	return &outfit.Image{Data: data, MimeType: string(imageType)}, nil
}
