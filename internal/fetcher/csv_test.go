package fetcher

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) [][]string {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)
	return rows
}

func TestStreamCSV_SemicolonWithHeader(t *testing.T) {
	in := "codigo;ex;tipo\n8471.30.19;;0\n0101;EX01;1\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(in), CSVOptions{
		Delimiter: ';',
		HasHeader: true,
	})

	rows := collectRows(t, rowCh, errCh)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"8471.30.19", "", "0"}, rows[0])
	assert.Equal(t, []string{"0101", "EX01", "1"}, rows[1])
}

func TestStreamCSV_VariableFields(t *testing.T) {
	in := "a;b;c\nx;y\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(in), CSVOptions{Delimiter: ';'})

	rows := collectRows(t, rowCh, errCh)
	require.Len(t, rows, 2)
	assert.Len(t, rows[1], 2)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a;b\nc;d\n"), CSVOptions{Delimiter: ';'})
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}

func TestDecodeCharset_Latin1(t *testing.T) {
	// "pó" in ISO-8859-1: 0x70 0xF3
	r, err := DecodeCharset(strings.NewReader("p\xf3"), "iso-8859-1")
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "pó", string(data))
}

func TestDecodeCharset_UTF8Passthrough(t *testing.T) {
	src := strings.NewReader("já utf-8")
	r, err := DecodeCharset(src, "utf-8")
	require.NoError(t, err)
	assert.Equal(t, io.Reader(src), r)
}

func TestDecodeCharset_Unknown(t *testing.T) {
	_, err := DecodeCharset(strings.NewReader(""), "no-such-charset")
	require.Error(t, err)
}
