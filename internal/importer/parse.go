package importer

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/tariff-sync/internal/model"
)

// InputRow is one parsed line of an import file, not yet matched against
// the catalog.
type InputRow struct {
	HTSCode         string
	Description     string
	BaseRate        float64
	AdditionalRates []model.AdditionalRate
	ProgramRates    []model.ProgramRate
}

// ParseFile reads a CSV or XLSX import file into rows. Parsing is atomic:
// one bad row fails the whole file, so a half-garbled download never
// produces a half-applied import.
func ParseFile(path string) ([]InputRow, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return parseCSV(path)
	case ".xlsx":
		return parseXLSX(path)
	default:
		return nil, eris.Errorf("importer: unsupported file type %q", filepath.Ext(path))
	}
}

// expected header columns, by canonical name
const (
	colHTSCode     = "hts_code"
	colDescription = "description"
	colBaseRate    = "base_rate"
	colAdditional  = "additional_rates"
	colPrograms    = "program_rates"
)

func parseCSV(path string) ([]InputRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: read %s", path)
	}

	// Government exports are frequently Latin-1. Transcode when the bytes
	// are not valid UTF-8.
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: transcode %s", path)
		}
		data = decoded
	}

	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "importer: read header of %s", path)
	}
	idx, err := headerIndex(header)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: %s", path)
	}

	var rows []InputRow
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "importer: %s line %d", path, line)
		}

		row, err := buildRow(record, idx)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: %s line %d", path, line)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseXLSX(path string) ([]InputRow, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: open %s", path)
	}
	if len(wb.Sheets) == 0 {
		return nil, eris.Errorf("importer: %s has no sheets", path)
	}
	sheet := wb.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("importer: %s first sheet is empty", path)
	}

	header := make([]string, 0, len(sheet.Rows[0].Cells))
	for _, cell := range sheet.Rows[0].Cells {
		header = append(header, cell.String())
	}
	idx, err := headerIndex(header)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: %s", path)
	}

	var rows []InputRow
	for i, xr := range sheet.Rows[1:] {
		record := make([]string, len(header))
		for j := range record {
			if j < len(xr.Cells) {
				record[j] = xr.Cells[j].String()
			}
		}
		if emptyRecord(record) {
			continue
		}
		row, err := buildRow(record, idx)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: %s row %d", path, i+2)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// headerIndex maps canonical column names to positions. Header names are
// matched case-insensitively with spaces collapsed to underscores.
func headerIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		name = strings.ReplaceAll(name, " ", "_")
		idx[name] = i
	}
	for _, required := range []string{colHTSCode, colDescription, colBaseRate} {
		if _, ok := idx[required]; !ok {
			return nil, eris.Errorf("missing required column %q", required)
		}
	}
	return idx, nil
}

func buildRow(record []string, idx map[string]int) (InputRow, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	code := field(colHTSCode)
	if code == "" {
		return InputRow{}, eris.New("empty hts_code")
	}

	rate, err := parseRate(field(colBaseRate))
	if err != nil {
		return InputRow{}, eris.Wrapf(err, "hts %s", code)
	}

	row := InputRow{
		HTSCode:     code,
		Description: field(colDescription),
		BaseRate:    rate,
	}

	if raw := field(colAdditional); raw != "" {
		if err := json.Unmarshal([]byte(raw), &row.AdditionalRates); err != nil {
			return InputRow{}, eris.Wrapf(err, "hts %s: additional_rates", code)
		}
	}
	if raw := field(colPrograms); raw != "" {
		if err := json.Unmarshal([]byte(raw), &row.ProgramRates); err != nil {
			return InputRow{}, eris.Wrapf(err, "hts %s: program_rates", code)
		}
	}
	return row, nil
}

// parseRate handles the rate notations tariff schedules actually use:
// "5.3", "5.3%", "Free".
func parseRate(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || strings.EqualFold(s, "free") {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse rate %q", s)
	}
	if v < 0 {
		return 0, eris.Errorf("negative rate %q", s)
	}
	return v, nil
}

func emptyRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
