// Package matching reconciles imported rows with existing entities and runs
// the review workflow over the resulting matches.
//
// [Matcher] scores every row against the candidates of one entity type.
// [ReviewService] holds the matches in a [Session], buckets them with
// [Thresholds] and records approve/reject/create_new decisions.
package matching

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
	"github.com/JonMunkholm/timetable-import/internal/textutil"
)

// MinCandidateConfidence drops candidates that are almost certainly unrelated.
const MinCandidateConfidence = 0.2

// Entity is an existing record that rows can match. Fields are keyed by
// namespaced target field ("venue.name").
type Entity struct {
	ID     string
	Label  string
	Fields map[string]string
}

// CandidateSource lists the existing entities of a type.
type CandidateSource interface {
	ListEntities(ctx context.Context, t core.EntityType) ([]Entity, error)
}

// Candidate is one ranked existing entity for a row.
type Candidate struct {
	EntityID      string   `json:"entityId"`
	Label         string   `json:"label"`
	Confidence    float64  `json:"confidence"`
	MatchedFields []string `json:"matchedFields"`
}

// MatchResult holds the ranked candidates of one row for one entity type.
// Score is the top confidence, or 0 without candidates.
type MatchResult struct {
	EntityType core.EntityType `json:"entityType"`
	RowIndex   int             `json:"rowIndex"`
	Candidates []Candidate     `json:"candidates"`
	Score      float64         `json:"score"`
}

// Top returns the best candidate.
func (m MatchResult) Top() (Candidate, bool) {
	if len(m.Candidates) == 0 {
		return Candidate{}, false
	}
	return m.Candidates[0], true
}

// Candidate returns the candidate with the given entity id.
func (m MatchResult) Candidate(entityID string) (Candidate, bool) {
	for _, c := range m.Candidates {
		if c.EntityID == entityID {
			return c, true
		}
	}
	return Candidate{}, false
}

// MatcherOptions configures a Matcher.
type MatcherOptions struct {
	MaxCandidates int
	CacheTTL      time.Duration
	Logger        *slog.Logger
}

// Matcher scores rows against cached candidates.
type Matcher struct {
	source        CandidateSource
	cache         *expirable.LRU[core.EntityType, []Entity]
	maxCandidates int
	logger        *slog.Logger
}

// NewMatcher returns a Matcher reading candidates from source.
func NewMatcher(source CandidateSource, opts MatcherOptions) *Matcher {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 5
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Matcher{
		source:        source,
		cache:         expirable.NewLRU[core.EntityType, []Entity](len(core.MatchableEntities)+1, nil, opts.CacheTTL),
		maxCandidates: opts.MaxCandidates,
		logger:        opts.Logger.With("component", "matcher"),
	}
}

// Invalidate drops the cached candidates of t, e.g. after entities were written.
func (m *Matcher) Invalidate(t core.EntityType) {
	m.cache.Remove(t)
}

func (m *Matcher) candidates(ctx context.Context, t core.EntityType) ([]Entity, error) {
	if ents, ok := m.cache.Get(t); ok {
		metrics.CandidateCache.WithLabelValues("hit").Inc()
		return ents, nil
	}
	metrics.CandidateCache.WithLabelValues("miss").Inc()

	ents, err := m.source.ListEntities(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("list %s candidates: %w", t, err)
	}
	m.cache.Add(t, ents)
	return ents, nil
}

// Match produces one MatchResult per record, in record order.
func (m *Matcher) Match(ctx context.Context, t core.EntityType, records []core.Record) ([]MatchResult, error) {
	def, ok := core.Get(t)
	if !ok {
		return nil, fmt.Errorf("match: unknown entity type %q", t)
	}
	fields := def.MatchFields()

	ents, err := m.candidates(ctx, t)
	if err != nil {
		return nil, err
	}

	// Rows repeating the same values share one scoring pass.
	memo := make(map[string][]Candidate)
	results := make([]MatchResult, len(records))
	for i, rec := range records {
		if i%500 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		key := memoKey(rec, fields)
		cands, seen := memo[key]
		if !seen {
			cands = m.rank(rec, fields, ents)
			memo[key] = cands
		}
		res := MatchResult{EntityType: t, RowIndex: rec.RowIndex, Candidates: cands}
		if len(cands) > 0 {
			res.Score = cands[0].Confidence
		}
		results[i] = res
	}

	m.logger.Debug("rows matched", "entity", t, "rows", len(records), "candidates", len(ents), "distinct", len(memo))
	return results, nil
}

func memoKey(rec core.Record, fields []core.FieldSpec) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(rec.Get(f.Name))
		b.WriteByte(0)
	}
	return b.String()
}

func (m *Matcher) rank(rec core.Record, fields []core.FieldSpec, ents []Entity) []Candidate {
	var out []Candidate
	for _, e := range ents {
		conf, matched := Score(rec, fields, e)
		if conf < MinCandidateConfidence {
			continue
		}
		out = append(out, Candidate{EntityID: e.ID, Label: e.Label, Confidence: conf, MatchedFields: matched})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	if len(out) > m.maxCandidates {
		out = out[:m.maxCandidates]
	}
	return out
}

// Score is the weighted mean similarity between rec and e over the match
// fields present in rec. Exact-match fields score 1 or 0. It also returns the
// fields that contributed a non-zero similarity.
func Score(rec core.Record, fields []core.FieldSpec, e Entity) (float64, []string) {
	var total, weight float64
	var matched []string
	for _, f := range fields {
		v := rec.Get(f.Name)
		if v == "" {
			continue
		}
		weight += f.MatchWeight

		var sim float64
		if f.ExactMatch {
			if textutil.Equal(v, e.Fields[f.Name]) {
				sim = 1
			}
		} else {
			sim = textutil.Similarity(v, e.Fields[f.Name])
		}
		if sim > 0 {
			matched = append(matched, f.Name)
		}
		total += f.MatchWeight * sim
	}
	if weight == 0 {
		return 0, nil
	}
	return min(1, total/weight), matched
}
