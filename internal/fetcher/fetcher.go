// Package fetcher downloads and decodes data from the remote government
// sources: HTTP directory listings, per-jurisdiction CSV tables over
// HTTP or FTP, and the regime annex document.
package fetcher

import (
	"context"
	"io"
)

// ResourceMeta holds the identity markers returned by a lightweight
// metadata probe of a remote resource.
type ResourceMeta struct {
	ETag         string
	LastModified string
}

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// HeadMeta performs a metadata-only request and returns the
	// resource identity markers without transferring the body.
	HeadMeta(ctx context.Context, url string) (ResourceMeta, error)
}
