// Package analyzer inspects stored uploads: it decodes CSV or spreadsheet
// content, detects the header row, infers a data type per column and
// returns a bounded preview.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/filestore"
)

const (
	// typeVotePercent is the share of sampled values that must agree on a type.
	typeVotePercent = 70

	defaultPreviewRows = 10
	defaultSampleSize  = 100
)

// FileSource provides stored file contents.
type FileSource interface {
	ReadAll(ctx context.Context, id string) ([]byte, filestore.StoredFile, error)
}

// Options configures an Analyzer.
type Options struct {
	PreviewRows int
	SampleSize  int
	Logger      *slog.Logger
}

// Analyzer derives FileMetadata and full tables from stored files.
type Analyzer struct {
	files       FileSource
	previewRows int
	sampleSize  int
	logger      *slog.Logger
}

// New returns an Analyzer reading from files.
func New(files FileSource, opts Options) *Analyzer {
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = defaultPreviewRows
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = defaultSampleSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{
		files:       files,
		previewRows: opts.PreviewRows,
		sampleSize:  opts.SampleSize,
		logger:      opts.Logger.With("component", "analyzer"),
	}
}

// Table is a fully decoded file. Rows hold data rows only and are padded
// to len(Columns).
type Table struct {
	FileID     string
	FileName   string
	FileType   string
	Columns    []string
	HasHeaders bool
	Rows       [][]string
}

// Analyze decodes the file and summarises its structure.
func (a *Analyzer) Analyze(ctx context.Context, fileID string) (core.FileMetadata, error) {
	t, err := a.ReadTable(ctx, fileID)
	if err != nil {
		return core.FileMetadata{}, err
	}

	meta := core.FileMetadata{
		FileID:     fileID,
		FileType:   t.FileType,
		HasHeaders: t.HasHeaders,
		RowCount:   len(t.Rows),
		Columns:    make([]core.ColumnInfo, len(t.Columns)),
	}
	for i, name := range t.Columns {
		meta.Columns[i] = core.ColumnInfo{
			Name:       name,
			Normalized: core.NormalizeColumnName(name),
			Type:       InferType(columnValues(t.Rows, i), a.sampleSize),
		}
	}

	n := min(a.previewRows, len(t.Rows))
	meta.PreviewRows = make([][]string, n)
	copy(meta.PreviewRows, t.Rows[:n])

	a.logger.Debug("file analyzed",
		"file_id", fileID,
		"type", t.FileType,
		"columns", len(t.Columns),
		"rows", len(t.Rows),
		"has_headers", t.HasHeaders,
	)
	return meta, nil
}

// ReadTable decodes the whole file. Decoders are tried in the order suggested
// by the file extension; ErrUnsupportedType is returned when none accepts it.
func (a *Analyzer) ReadTable(ctx context.Context, fileID string) (*Table, error) {
	data, f, err := a.files.ReadAll(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		rows    [][]string
		used    string
		lastErr error
	)
	for _, d := range decodersFor(filepath.Ext(f.OriginalName)) {
		rows, lastErr = d.decode(data)
		if lastErr == nil {
			used = d.name
			break
		}
		a.logger.Debug("decoder rejected file", "file_id", fileID, "decoder", d.name, "error", lastErr)
	}
	if used == "" {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrUnsupportedType, f.OriginalName, lastErr)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrEmptyFile, f.OriginalName)
	}

	t := buildTable(rows)
	t.FileID = fileID
	t.FileName = f.OriginalName
	t.FileType = used
	return t, nil
}

func buildTable(rows [][]string) *Table {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	t := &Table{HasHeaders: IsHeaderRow(rows[0])}
	data := rows
	if t.HasHeaders {
		data = rows[1:]
	}

	t.Columns = make([]string, width)
	for i := range t.Columns {
		name := ""
		if t.HasHeaders && i < len(rows[0]) {
			name = core.CleanCell(rows[0][i])
		}
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		t.Columns[i] = name
	}

	t.Rows = make([][]string, len(data))
	for i, r := range data {
		padded := make([]string, width)
		for j, c := range r {
			padded[j] = strings.TrimSpace(c)
		}
		t.Rows[i] = padded
	}
	return t
}

// IsHeaderRow reports whether more than half the cells of row are
// non-empty, non-numeric strings.
func IsHeaderRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	text := 0
	for _, c := range row {
		c = core.CleanCell(c)
		if c != "" && !core.IsNumeric(c) {
			text++
		}
	}
	return text*2 > len(row)
}

func columnValues(rows [][]string, col int) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r[col]
	}
	return out
}

// InferType classifies a column by voting over up to sampleSize non-empty
// values: number, then date, then boolean must each exceed 70% agreement,
// otherwise the column is a string. Empty columns are strings.
func InferType(values []string, sampleSize int) core.DataType {
	var numeric, dates, bools, n int
	for _, v := range values {
		if n >= sampleSize {
			break
		}
		v = core.CleanCell(v)
		if v == "" {
			continue
		}
		n++
		if core.IsNumeric(v) {
			numeric++
		}
		if core.LooksLikeISODate(v) {
			dates++
		}
		if core.IsBooleanToken(v) {
			bools++
		}
	}
	if n == 0 {
		return core.DataString
	}

	clears := func(votes int) bool { return votes*100 > typeVotePercent*n }
	switch {
	case clears(numeric):
		return core.DataNumber
	case clears(dates):
		return core.DataDate
	case clears(bools):
		return core.DataBoolean
	default:
		return core.DataString
	}
}

