// Package sources discovers the per-jurisdiction rate-table files
// published in a remote directory.
package sources

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/risetech/openfiscal/internal/fetcher"
)

// fileUF extracts the two-letter jurisdiction code embedded in the
// published table filenames, e.g. TabelaIBPTaxSP25.1.B.csv.
var fileUF = regexp.MustCompile(`TabelaIBPTax([A-Z]{2})`)

// RateSource describes one discovered per-jurisdiction rate table.
type RateSource struct {
	UF   string
	Name string
	URL  string
}

// Directory lists rate sources from an HTTP directory listing or an FTP
// mirror, depending on the base URL scheme.
type Directory struct {
	http fetcher.Fetcher
	ftp  *fetcher.FTPFetcher
}

// NewDirectory creates a Directory over the given fetchers.
func NewDirectory(h fetcher.Fetcher, f *fetcher.FTPFetcher) *Directory {
	return &Directory{http: h, ftp: f}
}

// FetcherFor returns the fetcher matching the URL scheme, so files
// discovered on an FTP mirror are downloaded over FTP rather than HTTP.
// Falls back to the HTTP fetcher when no FTP fetcher is configured or
// the URL cannot be parsed.
func (d *Directory) FetcherFor(rawURL string) fetcher.Fetcher {
	u, err := url.Parse(rawURL)
	if err == nil && u.Scheme == "ftp" && d.ftp != nil {
		return d.ftp
	}
	return d.http
}

// List returns one RateSource per decodable CSV entry under baseURL,
// plus the count of CSV entries skipped because no jurisdiction code
// could be decoded from their name. Undecodable entries are logged and
// skipped, never fatal.
func (d *Directory) List(ctx context.Context, baseURL string) ([]RateSource, int, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "sources: parse base url %s", baseURL)
	}

	var names []string
	switch u.Scheme {
	case "http", "https":
		names, err = d.listHTTP(ctx, baseURL)
	case "ftp":
		names, err = d.listFTP(ctx, baseURL)
	default:
		return nil, 0, eris.Errorf("sources: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, 0, err
	}

	var out []RateSource
	skipped := 0
	for _, name := range names {
		if !strings.HasSuffix(strings.ToLower(name), ".csv") {
			continue
		}
		m := fileUF.FindStringSubmatch(name)
		if m == nil {
			zap.L().Warn("sources: cannot decode jurisdiction from filename, skipping",
				zap.String("file", name),
			)
			skipped++
			continue
		}
		full, err := url.JoinPath(baseURL, name)
		if err != nil {
			zap.L().Warn("sources: cannot join url, skipping",
				zap.String("file", name),
				zap.Error(err),
			)
			skipped++
			continue
		}
		out = append(out, RateSource{UF: m[1], Name: name, URL: full})
	}

	return out, skipped, nil
}

// listHTTP fetches the directory listing page and extracts CSV links.
func (d *Directory) listHTTP(ctx context.Context, baseURL string) ([]string, error) {
	body, err := d.http.Download(ctx, baseURL)
	if err != nil {
		return nil, eris.Wrap(err, "sources: fetch directory listing")
	}
	defer body.Close() //nolint:errcheck

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, eris.Wrap(err, "sources: parse directory listing")
	}

	var names []string
	doc.Find(`a[href$=".csv"]`).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		names = append(names, href)
	})

	return names, nil
}

// listFTP lists the mirror directory over FTP.
func (d *Directory) listFTP(ctx context.Context, baseURL string) ([]string, error) {
	if d.ftp == nil {
		return nil, eris.New("sources: no ftp fetcher configured")
	}
	names, err := d.ftp.List(ctx, baseURL)
	if err != nil {
		return nil, eris.Wrap(err, "sources: list ftp directory")
	}
	return names, nil
}
