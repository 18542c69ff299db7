package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/JonMunkholm/timetable-import/internal/textutil"
)

// MappingSuggestionThreshold is the minimum similarity for a suggested mapping.
const MappingSuggestionThreshold = 0.7

// NormalizeColumnName trims and lowercases name, collapses every run of
// non-alphanumeric characters into "_" and strips leading/trailing "_".
//
//	"First Name" -> "first_name"
//	"Is Active?" -> "is_active"
func NormalizeColumnName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// ValidateMappings checks a mapping set against the entity catalog.
// The set is valid iff every required target is mapped exactly once and no
// target is mapped twice. Mappings without a target are ignored; targets
// outside the catalog are reported as Unknown.
func ValidateMappings(mappings []ColumnMapping) MappingValidation {
	counts := make(map[string]int)
	var unknown []string
	for _, m := range mappings {
		if m.TargetField == "" {
			continue
		}
		counts[m.TargetField]++
		if counts[m.TargetField] == 1 {
			if _, _, ok := LookupField(m.TargetField); !ok {
				unknown = append(unknown, m.TargetField)
			}
		}
	}

	result := MappingValidation{Unknown: unknown}
	for _, spec := range TargetFields() {
		if spec.Required && counts[spec.Name] == 0 {
			result.Missing = append(result.Missing, spec.Name)
		}
	}
	for target, n := range counts {
		if n > 1 {
			result.Duplicates = append(result.Duplicates, target)
		}
	}
	sort.Strings(result.Duplicates)

	result.Valid = len(result.Missing) == 0 && len(result.Duplicates) == 0
	return result
}

// SuggestMappings proposes a target for each source column whose name is
// similar enough to a target field or one of its aliases. Each column and
// each target is used at most once, best scores first.
func SuggestMappings(columns []string) []ColumnMapping {
	type candidate struct {
		col    int
		target FieldSpec
		score  float64
	}

	var cands []candidate
	for i, col := range columns {
		norm := NormalizeColumnName(col)
		if norm == "" {
			continue
		}
		for _, spec := range TargetFields() {
			if s := fieldNameScore(norm, spec); s >= MappingSuggestionThreshold {
				cands = append(cands, candidate{col: i, target: spec, score: s})
			}
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].col < cands[j].col
	})

	usedCol := make(map[int]bool)
	usedTarget := make(map[string]bool)
	byCol := make(map[int]ColumnMapping)
	for _, c := range cands {
		if usedCol[c.col] || usedTarget[c.target.Name] {
			continue
		}
		usedCol[c.col] = true
		usedTarget[c.target.Name] = true
		byCol[c.col] = ColumnMapping{
			SourceColumn: columns[c.col],
			TargetField:  c.target.Name,
			Confidence:   int(math.Round(c.score * 100)),
			Required:     c.target.Required,
		}
	}

	out := make([]ColumnMapping, 0, len(byCol))
	for i := range columns {
		if m, ok := byCol[i]; ok {
			out = append(out, m)
		}
	}
	return out
}

// fieldNameScore compares a normalised column name with a target's names.
func fieldNameScore(column string, spec FieldSpec) float64 {
	entity, short, _ := strings.Cut(spec.Name, ".")
	names := append([]string{short, entity + "_" + short}, spec.Aliases...)

	best := 0.0
	for _, n := range names {
		if n == column {
			return 1
		}
		best = max(best, textutil.Similarity(strings.ReplaceAll(n, "_", " "), strings.ReplaceAll(column, "_", " ")))
	}
	return best
}

// Record is one data row projected onto target fields.
type Record struct {
	RowIndex int
	Values   map[string]string
}

// Get returns the value mapped to target, or "".
func (r Record) Get(target string) string {
	return r.Values[target]
}

// HeaderIndex maps a cleaned, lowercased column name to its position.
type HeaderIndex map[string]int

// MakeHeaderIndex builds a HeaderIndex from a header row. Spreadsheet
// artifacts such as ="..." formula prefixes are stripped first.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if _, dup := idx[key]; dup {
			continue
		}
		idx[key] = i
	}
	return idx
}

// ProjectRows applies mappings to raw rows. It fails with ErrInvalidMapping
// when a mapped source column does not exist in columns.
func ProjectRows(columns []string, rows [][]string, mappings []ColumnMapping) ([]Record, error) {
	idx := MakeHeaderIndex(columns)
	type binding struct {
		pos    int
		target string
	}

	var bindings []binding
	for _, m := range mappings {
		if m.TargetField == "" {
			continue
		}
		pos, ok := idx[strings.ToLower(CleanCell(m.SourceColumn))]
		if !ok {
			return nil, fmt.Errorf("%w: source column %q not found", ErrInvalidMapping, m.SourceColumn)
		}
		bindings = append(bindings, binding{pos: pos, target: m.TargetField})
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		values := make(map[string]string, len(bindings))
		for _, b := range bindings {
			if b.pos < len(row) {
				values[b.target] = CleanCell(row[b.pos])
			} else {
				values[b.target] = ""
			}
		}
		records[i] = Record{RowIndex: i, Values: values}
	}
	return records, nil
}
