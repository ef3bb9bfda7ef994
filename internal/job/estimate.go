package job

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EstimateFile prices one input in units before the service multiplier:
// a PDF is one unit, a CSV one unit per non-empty data row (header excluded),
// an Excel workbook one unit per 2 KB, anything else one unit. Every file
// costs at least one unit.
func EstimateFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	f := File{Name: filepath.Base(path), Size: info.Size(), Rows: 1}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err := countDataRows(path)
		if err != nil {
			return File{}, fmt.Errorf("count rows in %s: %w", f.Name, err)
		}
		f.Rows = rows
	case ".xlsx", ".xls":
		f.Rows = info.Size() / 1024 / 2
	}
	f.Rows = max(f.Rows, 1)
	f.Credits = f.Rows
	return f, nil
}

// countDataRows counts CSV records after the header. Quoted fields may span
// lines; records whose fields are all blank are skipped.
func countDataRows(path string) (int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	var records int64
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if blankRecord(rec) {
			continue
		}
		records++
	}
	return max(records-1, 0), nil
}

func blankRecord(rec []string) bool {
	for _, field := range rec {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// EstimateCredits prices a set of inputs for a service charging perUnit
// credits per unit. The per-file credits are filled in on the returned files.
func EstimateCredits(paths []string, perUnit int64) ([]File, int64, error) {
	if perUnit <= 0 {
		perUnit = 1
	}
	files := make([]File, 0, len(paths))
	var total int64
	for _, p := range paths {
		f, err := EstimateFile(p)
		if err != nil {
			return nil, 0, err
		}
		f.Credits *= perUnit
		total += f.Credits
		files = append(files, f)
	}
	return files, total, nil
}
