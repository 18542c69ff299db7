package analyzer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// decoder turns raw file bytes into rows of cells.
type decoder struct {
	name   string
	decode func(data []byte) ([][]string, error)
}

var (
	csvDecoder   = decoder{name: "csv", decode: decodeCSV}
	excelDecoder = decoder{name: "xlsx", decode: decodeExcel}
	xlsDecoder   = decoder{name: "xls", decode: decodeXLS}
)

// decodersFor returns the decoders to try for a file extension, most likely first.
// Files are often saved with the wrong extension, so every decoder is tried.
func decodersFor(ext string) []decoder {
	switch strings.ToLower(ext) {
	case ".xls":
		return []decoder{xlsDecoder, excelDecoder, csvDecoder}
	case ".xlsx", ".xlsm":
		return []decoder{excelDecoder, xlsDecoder, csvDecoder}
	default:
		return []decoder{csvDecoder, excelDecoder, xlsDecoder}
	}
}

var errBinary = errors.New("content is not text")

func decodeCSV(data []byte) ([][]string, error) {
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, errBinary
	}

	r := csv.NewReader(newTextReader(bytes.NewReader(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.ReuseRecord = false

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if isBlankRow(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// decodeExcel reads the first sheet of a workbook.
func decodeExcel(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	raw, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	rows := make([][]string, 0, len(raw))
	for _, rec := range raw {
		if isBlankRow(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// oleSignature starts every compound document, the container of BIFF workbooks.
var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

var errNotCompound = errors.New("not a compound document")

// decodeXLS reads the first sheet of a legacy BIFF (.xls) workbook. The BIFF
// parser panics on some malformed files; that is reported as an error.
func decodeXLS(data []byte) (rows [][]string, err error) {
	if !bytes.HasPrefix(data, oleSignature) {
		return nil, errNotCompound
	}
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("parse xls: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls workbook: %w", err)
	}
	if wb.NumSheets() == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, errors.New("workbook has no sheets")
	}

	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		rec := make([]string, row.LastCol())
		for c := range rec {
			rec[c] = row.Col(c)
		}
		if isBlankRow(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func isBlankRow(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
