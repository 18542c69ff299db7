package pipeline

import (
	"strings"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/textutil"
)

// plan is the work derived from the valid rows of a file.
type plan struct {
	entities  map[core.EntityType][]EntityRecord
	order     []core.EntityType
	schedules []ScheduleRecord

	// rowKeys maps entity type -> source row -> dedup key.
	rowKeys map[core.EntityType]map[int]string
}

func (p *plan) total() int {
	n := len(p.schedules)
	for _, recs := range p.entities {
		n += len(recs)
	}
	return n
}

// entityKey folds the key field so "Hall A" and "hall  a" collapse.
func entityKey(v string) string {
	return textutil.Fold(v)
}

// buildPlan deduplicates entities per type by key field, keeping the values
// of the first row, and creates one schedule per row when schedule fields
// are mapped.
func buildPlan(records []core.Record, mappings []core.ColumnMapping) *plan {
	mapped := mappedEntities(mappings)
	p := &plan{
		entities: make(map[core.EntityType][]EntityRecord),
		rowKeys:  make(map[core.EntityType]map[int]string),
	}

	for _, t := range core.MatchableEntities {
		if !mapped[t] {
			continue
		}
		def, ok := core.Get(t)
		if !ok {
			continue
		}
		p.order = append(p.order, t)
		p.rowKeys[t] = make(map[int]string)

		seen := make(map[string]bool)
		prefix := string(t) + "."
		for _, rec := range records {
			key := entityKey(rec.Get(def.KeyField))
			if key == "" {
				continue
			}
			p.rowKeys[t][rec.RowIndex] = key
			if seen[key] {
				continue
			}
			seen[key] = true

			values := make(map[string]string)
			for field, v := range rec.Values {
				if strings.HasPrefix(field, prefix) {
					values[field] = v
				}
			}
			p.entities[t] = append(p.entities[t], EntityRecord{Key: key, RowIndex: rec.RowIndex, Values: values})
		}
	}

	if mapped[core.EntitySchedule] {
		for _, rec := range records {
			values := make(map[string]string)
			for field, v := range rec.Values {
				if strings.HasPrefix(field, string(core.EntitySchedule)+".") {
					values[field] = v
				}
			}
			p.schedules = append(p.schedules, ScheduleRecord{RowIndex: rec.RowIndex, Values: values})
		}
	}
	return p
}

func mappedEntities(mappings []core.ColumnMapping) map[core.EntityType]bool {
	out := make(map[core.EntityType]bool)
	for _, m := range mappings {
		if m.TargetField == "" {
			continue
		}
		if def, _, ok := core.LookupField(m.TargetField); ok {
			out[def.Type] = true
		}
	}
	return out
}

// resolution is the write decision for one entity record.
type resolution struct {
	action   WriteAction
	targetID string
	failure  string
}

const awaitingReview = "match awaiting review"

// resolve turns the review state of the record's first source row into a
// write decision. Explicit decisions win; undecided rows follow their bucket.
func resolve(s *matching.Session, t core.EntityType, row int, conflict core.ConflictResolution) resolution {
	if s == nil {
		return resolution{action: ActionCreate}
	}

	matched := func(id string) resolution {
		if conflict == core.ConflictSkip {
			return resolution{action: ActionSkip, targetID: id}
		}
		return resolution{action: ActionUpdate, targetID: id}
	}

	if d, ok := s.Decision(t, row); ok {
		if d.Action == matching.ActionApprove && d.SelectedID != "" {
			return matched(d.SelectedID)
		}
		return resolution{action: ActionCreate}
	}

	m, ok := s.Match(t, row)
	if !ok {
		return resolution{action: ActionCreate}
	}
	switch s.Thresholds.Classify(m.Score) {
	case matching.BucketAutoApproved:
		if top, ok := m.Top(); ok {
			return matched(top.EntityID)
		}
		return resolution{action: ActionCreate}
	case matching.BucketAutoRejected:
		return resolution{action: ActionCreate}
	default:
		if conflict == core.ConflictCreate {
			return resolution{action: ActionCreate}
		}
		return resolution{failure: awaitingReview}
	}
}
