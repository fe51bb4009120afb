package sketch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
)

// FileFetcher loads "file://" URIs and bare filesystem paths.
type FileFetcher struct{}

// Fetch stats the file and returns a FileSource for it.
func (FileFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := filePath(req.URI)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	case err != nil:
		return nil, err
	case info.IsDir():
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
	}
	src := FileSource(p)
	return &FetchResult{
		Source:   src,
		MimeType: detectMimeType(p, src),
		DataFrom: DataFromLocal,
	}, nil
}

func filePath(uri string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(uri), "file://") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidRequest, uri, err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: %s has no path", ErrInvalidRequest, uri)
	}
	return u.Path, nil
}
