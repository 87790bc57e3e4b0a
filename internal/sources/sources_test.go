package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risetech/openfiscal/internal/fetcher"
)

const listingHTML = `<html><body>
<a href="TabelaIBPTaxSP25.1.B.csv">SP</a>
<a href="TabelaIBPTaxRJ25.1.B.csv">RJ</a>
<a href="TabelaIBPTax25.1.B.csv">no uf</a>
<a href="notas.txt">notas</a>
<a href="subdir/">subdir</a>
</body></html>`

func TestDirectory_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML)) //nolint:errcheck
	}))
	defer srv.Close()

	d := NewDirectory(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), nil)
	srcs, skipped, err := d.List(context.Background(), srv.URL+"/tabela/")
	require.NoError(t, err)

	require.Len(t, srcs, 2)
	assert.Equal(t, "SP", srcs[0].UF)
	assert.Equal(t, "RJ", srcs[1].UF)
	assert.Equal(t, srv.URL+"/tabela/TabelaIBPTaxSP25.1.B.csv", srcs[0].URL)

	// The .csv entry without a decodable UF is skipped; non-CSV entries
	// are ignored without counting.
	assert.Equal(t, 1, skipped)
}

func TestDirectory_List_FetchError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := NewDirectory(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}), nil)
	_, _, err := d.List(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDirectory_List_UnsupportedScheme(t *testing.T) {
	d := NewDirectory(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), nil)
	_, _, err := d.List(context.Background(), "gopher://example.com/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestDirectory_List_FTPWithoutFetcher(t *testing.T) {
	d := NewDirectory(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), nil)
	_, _, err := d.List(context.Background(), "ftp://mirror.example.com/tabela/")
	require.Error(t, err)
}

func TestDirectory_FetcherFor(t *testing.T) {
	h := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	f := fetcher.NewFTPFetcher(fetcher.FTPOptions{})

	d := NewDirectory(h, f)
	assert.Same(t, f, d.FetcherFor("ftp://mirror.example.com/tabela/TabelaIBPTaxSP25.1.B.csv"))
	assert.Same(t, h, d.FetcherFor("https://example.com/tabela/TabelaIBPTaxSP25.1.B.csv"))

	// Without an FTP fetcher every download goes through HTTP.
	d = NewDirectory(h, nil)
	assert.Same(t, h, d.FetcherFor("ftp://mirror.example.com/tabela/TabelaIBPTaxSP25.1.B.csv"))
}
