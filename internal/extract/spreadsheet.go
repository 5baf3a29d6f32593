package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/orientinsight/bookingmail/internal/model"
)

type column int

const (
	colCode column = iota
	colStart
	colEnd
	colAdults
	colChildren
	colArrivalFlight
	colDepartureFlight
	colTransport
)

// headerAliases maps normalized header text to a column. Partner sheets
// come in English and Russian.
var headerAliases = map[string]column{
	"booking code": colCode, "code": colCode, "booking": colCode, "booking ref": colCode,
	"ref": colCode, "tour code": colCode, "группа": colCode, "код": colCode, "номер": colCode,

	"start date": colStart, "start": colStart, "date from": colStart, "from": colStart,
	"arrival date": colStart, "check in": colStart, "заезд": colStart, "начало": colStart,

	"end date": colEnd, "end": colEnd, "date to": colEnd, "to": colEnd,
	"departure date": colEnd, "check out": colEnd, "выезд": colEnd, "окончание": colEnd,

	"adults": colAdults, "adl": colAdults, "pax": colAdults, "взрослые": colAdults,

	"children": colChildren, "chd": colChildren, "kids": colChildren, "дети": colChildren,

	"arrival flight": colArrivalFlight, "arr flight": colArrivalFlight, "flight in": colArrivalFlight,
	"рейс прилета": colArrivalFlight,

	"departure flight": colDepartureFlight, "dep flight": colDepartureFlight, "flight out": colDepartureFlight,
	"рейс вылета": colDepartureFlight,

	"transport": colTransport, "bus": colTransport, "vehicle": colTransport, "транспорт": colTransport,
}

var dateLayouts = []string{"2006-01-02", "02.01.2006", "02/01/2006", "2006/01/02", "2.1.2006"}

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0}
)

// ParseSpreadsheet reads bookings from an xlsx/xlsm workbook or a CSV
// file. Every sheet with a recognizable header row contributes rows.
func ParseSpreadsheet(raw []byte) Result {
	var (
		sheets [][][]string
		err    error
	)

	switch {
	case bytes.HasPrefix(raw, zipMagic):
		sheets, err = readWorkbook(raw)
	case bytes.HasPrefix(raw, oleMagic):
		return SchemaError{Reason: "legacy binary .xls workbooks are not supported", Retryable: false}
	default:
		sheets, err = readCSV(raw)
	}
	if err != nil {
		return SchemaError{Reason: err.Error(), Retryable: true}
	}

	var candidates []model.CandidateBooking
	found := false
	for _, rows := range sheets {
		got, ok, err := parseRows(rows)
		if err != nil {
			return SchemaError{Reason: err.Error(), Retryable: true}
		}
		if ok {
			found = true
			candidates = append(candidates, got...)
		}
	}
	if !found {
		return SchemaError{Reason: "no booking header row found", Retryable: true}
	}

	return validate(candidates, model.ArtifactSpreadsheet)
}

func readWorkbook(raw []byte) ([][][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	var sheets [][][]string
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("reading sheet %s: %w", name, err)
		}
		sheets = append(sheets, rows)
	}
	return sheets, nil
}

func readCSV(raw []byte) ([][][]string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	sample := raw
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if bytes.Count(sample, []byte(";")) > bytes.Count(sample, []byte(",")) {
		r.Comma = ';'
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return [][][]string{rows}, nil
}

// parseRows finds the header row (the first row naming a booking code
// column) and converts the rows below it. ok is false when no header row
// exists.
func parseRows(rows [][]string) ([]model.CandidateBooking, bool, error) {
	headerIdx := -1
	var cols map[column]int
	for i, row := range rows {
		m := mapHeader(row)
		if _, ok := m[colCode]; ok {
			headerIdx, cols = i, m
			break
		}
	}
	if headerIdx < 0 {
		return nil, false, nil
	}

	var out []model.CandidateBooking
	for i, row := range rows[headerIdx+1:] {
		line := headerIdx + i + 2
		code := cell(row, cols, colCode)
		if code == "" {
			continue
		}

		c := model.CandidateBooking{
			BusinessKey:     code,
			ArrivalFlight:   optCell(row, cols, colArrivalFlight),
			DepartureFlight: optCell(row, cols, colDepartureFlight),
			TransportRef:    optCell(row, cols, colTransport),
		}

		var err error
		if c.StartDate, err = dateCell(row, cols, colStart); err != nil {
			return nil, true, fmt.Errorf("row %d start date: %w", line, err)
		}
		if c.EndDate, err = dateCell(row, cols, colEnd); err != nil {
			return nil, true, fmt.Errorf("row %d end date: %w", line, err)
		}
		if c.Adults, err = intCell(row, cols, colAdults); err != nil {
			return nil, true, fmt.Errorf("row %d adults: %w", line, err)
		}
		if c.Children, err = intCell(row, cols, colChildren); err != nil {
			return nil, true, fmt.Errorf("row %d children: %w", line, err)
		}

		out = append(out, c)
	}

	return out, true, nil
}

func mapHeader(row []string) map[column]int {
	m := make(map[column]int)
	for i, h := range row {
		col, ok := headerAliases[normalizeHeader(h)]
		if !ok {
			continue
		}
		if _, dup := m[col]; !dup {
			m[col] = i
		}
	}
	return m
}

func normalizeHeader(h string) string {
	h = strings.ToLower(h)
	h = strings.NewReplacer("_", " ", "-", " ", ".", " ", ":", " ").Replace(h)
	return strings.Join(strings.Fields(h), " ")
}

func cell(row []string, cols map[column]int, col column) string {
	i, ok := cols[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func optCell(row []string, cols map[column]int, col column) *string {
	v := cell(row, cols, col)
	if v == "" {
		return nil
	}
	return &v
}

func intCell(row []string, cols map[column]int, col column) (*int, error) {
	v := cell(row, cols, col)
	if v == "" {
		return nil, nil
	}
	// Spreadsheet apps export counts as floats ("4.0").
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
		return nil, fmt.Errorf("%q is not a whole non-negative count", v)
	}
	n := int(f)
	return &n, nil
}

// dateCell accepts ISO and European layouts plus raw Excel serial dates.
func dateCell(row []string, cols map[column]int, col column) (*time.Time, error) {
	v := cell(row, cols, col)
	if v == "" {
		return nil, nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}

	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return nil, err
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d, nil
	}

	return nil, fmt.Errorf("unrecognized date %q", v)
}
