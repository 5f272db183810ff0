package state

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileBlobStore writes blobs below a root directory of an afero filesystem.
type FileBlobStore struct {
	fs   afero.Fs
	root string

	// When set, references are built from this URL instead of file:// paths.
	// E.g., "https://cdn.example.com/outfits"
	publicURL string
}

func NewFileBlobStore(fs afero.Fs, root string, publicURL string) *FileBlobStore {
	return &FileBlobStore{fs: fs, root: root, publicURL: strings.TrimSuffix(publicURL, "/")}
}

func (s *FileBlobStore) UploadBlob(ctx context.Context, category string, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to upload an empty blob")
	}

	category = sanitizeName(category)
	if category == "" {
		return "", fmt.Errorf("category is required")
	}

	fileName := uuid.NewString()
	if safeName := sanitizeName(name); safeName != "" {
		fileName += "-" + safeName
	}

	dir := filepath.Join(s.root, category)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	fullPath := filepath.Join(dir, fileName)
	if err := afero.WriteFile(s.fs, fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	if s.publicURL != "" {
		return s.publicURL + "/" + path.Join(url.PathEscape(category), url.PathEscape(fileName)), nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(fullPath)}).String(), nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(os.PathSeparator) {
		return ""
	}
	return strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "_")
}
