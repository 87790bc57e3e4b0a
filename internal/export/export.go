// Package export writes the joined dataset (rates plus their
// longest-prefix regime) to distributable artifacts.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/risetech/openfiscal/internal/model"
	"github.com/risetech/openfiscal/internal/store"
)

const baseName = "openfiscal_completo"

// Supported export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var header = []string{
	"ncm", "uf", "ex", "tipo", "descricao",
	"aliqNacional", "aliqEstadual", "aliqMunicipal", "aliqImportado",
	"vigenciaInicio", "vigenciaFim", "chave", "versao", "fonte",
	"cest", "cestDescricao",
}

// Export queries the joined dataset once and writes one file per
// requested format into dir.
func Export(ctx context.Context, st store.Store, dir string, formats []string) error {
	rows, err := st.ExportRows(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return eris.New("export: store holds no rate records")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "export: create dir %s", dir)
	}

	for _, format := range formats {
		path := filepath.Join(dir, baseName+"."+format)
		switch format {
		case FormatJSON:
			err = writeJSON(path, rows)
		case FormatCSV:
			err = writeCSV(path, rows)
		case FormatXLSX:
			err = writeXLSX(path, rows)
		default:
			return eris.Errorf("export: unsupported format %q", format)
		}
		if err != nil {
			return err
		}
		zap.L().Info("export written", zap.String("path", path), zap.Int("rows", len(rows)))
	}
	return nil
}

func writeJSON(path string, rows []model.ExportRow) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "export: write %s", path)
	}
	return nil
}

// writeCSV emits a UTF-8 CSV with a BOM so spreadsheet tools pick up
// the accented descriptions.
func writeCSV(path string, rows []model.ExportRow) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteString("\uFEFF"); err != nil {
		return eris.Wrap(err, "export: write bom")
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, row := range rows {
		if err := w.Write(csvRow(row)); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "export: flush csv")
	}
	return f.Close()
}

func csvRow(r model.ExportRow) []string {
	return []string{
		r.NCM, r.UF, r.Ex, r.Tipo, r.Descricao,
		formatRate(r.AliqNacional), formatRate(r.AliqEstadual),
		formatRate(r.AliqMunicipal), formatRate(r.AliqImportado),
		r.VigenciaInicio, r.VigenciaFim, r.Chave, r.Versao, r.Fonte,
		r.CEST, r.CESTDescricao,
	}
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeXLSX(path string, rows []model.ExportRow) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("openfiscal")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	hr := sheet.AddRow()
	for _, h := range header {
		hr.AddCell().Value = h
	}

	for _, row := range rows {
		xr := sheet.AddRow()
		xr.AddCell().Value = row.NCM
		xr.AddCell().Value = row.UF
		xr.AddCell().Value = row.Ex
		xr.AddCell().Value = row.Tipo
		xr.AddCell().Value = row.Descricao
		xr.AddCell().SetFloat(row.AliqNacional)
		xr.AddCell().SetFloat(row.AliqEstadual)
		xr.AddCell().SetFloat(row.AliqMunicipal)
		xr.AddCell().SetFloat(row.AliqImportado)
		xr.AddCell().Value = row.VigenciaInicio
		xr.AddCell().Value = row.VigenciaFim
		xr.AddCell().Value = row.Chave
		xr.AddCell().Value = row.Versao
		xr.AddCell().Value = row.Fonte
		xr.AddCell().Value = row.CEST
		xr.AddCell().Value = row.CESTDescricao
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}
