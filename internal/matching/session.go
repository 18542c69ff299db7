package matching

import (
	"slices"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// Action is a review decision.
type Action string

const (
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionCreateNew Action = "create_new"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionCreateNew:
		return true
	}
	return false
}

// Decision is the recorded outcome for one (entity type, row).
type Decision struct {
	Action     Action    `json:"action"`
	SelectedID string    `json:"selectedId,omitempty"`
	Automatic  bool      `json:"automatic,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// Session is the bounded-lifetime container of matches and review decisions
// for one validation pass. All maps are keyed by entity type, then row index.
type Session struct {
	ID         string                                  `json:"id"`
	UserID     string                                  `json:"userId"`
	FileID     string                                  `json:"fileId"`
	CreatedAt  time.Time                               `json:"createdAt"`
	ExpiresAt  time.Time                               `json:"expiresAt"`
	Thresholds Thresholds                              `json:"thresholds"`
	Matches    map[core.EntityType]map[int]MatchResult `json:"matches"`
	Buckets    map[core.EntityType]map[int]Bucket      `json:"buckets"`
	Decisions  map[core.EntityType]map[int]Decision    `json:"decisions"`
}

// Match returns the match of (t, row).
func (s *Session) Match(t core.EntityType, row int) (MatchResult, bool) {
	m, ok := s.Matches[t][row]
	return m, ok
}

// Decision returns the recorded decision of (t, row).
func (s *Session) Decision(t core.EntityType, row int) (Decision, bool) {
	d, ok := s.Decisions[t][row]
	return d, ok
}

// Bucket returns the current bucket of (t, row).
func (s *Session) Bucket(t core.EntityType, row int) (Bucket, bool) {
	b, ok := s.Buckets[t][row]
	return b, ok
}

// Expired reports whether the session is past its lifetime at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) addMatch(m MatchResult) {
	if s.Matches == nil {
		s.Matches = make(map[core.EntityType]map[int]MatchResult)
	}
	if s.Matches[m.EntityType] == nil {
		s.Matches[m.EntityType] = make(map[int]MatchResult)
	}
	s.Matches[m.EntityType][m.RowIndex] = m
}

func (s *Session) setDecision(t core.EntityType, row int, d Decision) {
	if s.Decisions == nil {
		s.Decisions = make(map[core.EntityType]map[int]Decision)
	}
	if s.Decisions[t] == nil {
		s.Decisions[t] = make(map[int]Decision)
	}
	s.Decisions[t][row] = d
}

// rebucket classifies every match against the current thresholds.
func (s *Session) rebucket() {
	s.Buckets = make(map[core.EntityType]map[int]Bucket, len(s.Matches))
	for t, rows := range s.Matches {
		s.Buckets[t] = make(map[int]Bucket, len(rows))
		for row, m := range rows {
			s.Buckets[t][row] = s.Thresholds.Classify(m.Score)
		}
	}
}

// entityTypes returns the session's entity types in write order.
func (s *Session) entityTypes() []core.EntityType {
	var out []core.EntityType
	for _, t := range core.MatchableEntities {
		if _, ok := s.Matches[t]; ok {
			out = append(out, t)
		}
	}
	for t := range s.Matches {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func sortedRows[V any](m map[int]V) []int {
	rows := make([]int, 0, len(m))
	for r := range m {
		rows = append(rows, r)
	}
	slices.Sort(rows)
	return rows
}

// Summary counts matches per bucket for each entity type.
func (s *Session) Summary() map[core.EntityType]core.BucketCounts {
	out := make(map[core.EntityType]core.BucketCounts, len(s.Buckets))
	for t, rows := range s.Buckets {
		var c core.BucketCounts
		for _, b := range rows {
			switch b {
			case BucketAutoApproved:
				c.AutoApproved++
			case BucketAutoRejected:
				c.AutoRejected++
			default:
				c.RequiresReview++
			}
		}
		out[t] = c
	}
	return out
}
