package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/risetech/openfiscal/internal/model"
)

// LoadMetadata reads the change-detection state file. A missing file is
// not an error: it yields empty metadata, which forces a full regime
// re-ingest.
func LoadMetadata(path string) (model.FetchMetadata, error) {
	var meta model.FetchMetadata

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return meta, eris.Wrapf(err, "ingest: read metadata %s", path)
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		return model.FetchMetadata{}, eris.Wrapf(err, "ingest: decode metadata %s", path)
	}
	return meta, nil
}

// SaveMetadata writes the change-detection state file. Callers invoke it
// only after a successful regime re-ingest, so a crash mid-run leaves
// the previous markers in place and the next run re-fetches.
func SaveMetadata(path string, meta model.FetchMetadata) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "ingest: create metadata dir %s", dir)
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return eris.Wrap(err, "ingest: encode metadata")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "ingest: write metadata %s", path)
	}
	return nil
}
