package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/logging"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newReviewFixture() (*ReviewService, *testClock) {
	clock := &testClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewReviewService(NewMemoryStore(clock.Now), ReviewOptions{
		TTL:    time.Hour,
		Logger: logging.Discard(),
		Now:    clock.Now,
	})
	return svc, clock
}

func match(t core.EntityType, row int, scores ...float64) MatchResult {
	m := MatchResult{EntityType: t, RowIndex: row}
	for i, s := range scores {
		m.Candidates = append(m.Candidates, Candidate{
			EntityID:   string(t) + "-" + string(rune('a'+row)) + string(rune('0'+i)),
			Label:      "candidate",
			Confidence: s,
		})
	}
	if len(scores) > 0 {
		m.Score = scores[0]
	}
	return m
}

func TestApplyAutomaticApprovals_Scenario(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()

	th := Thresholds{AutoApprove: 0.95, RequireReview: 0.7, AutoReject: 0.3}
	matches := []MatchResult{
		match(core.EntityVenue, 0, 0.96),
		match(core.EntityVenue, 1, 0.5),
		match(core.EntityVenue, 2, 0.2),
	}
	s, err := svc.CreateSession(ctx, "u1", "f1", matches, &th)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	res, err := svc.ApplyAutomaticApprovals(ctx, s.ID)
	if err != nil {
		t.Fatalf("ApplyAutomaticApprovals() error = %v", err)
	}
	if res.ApprovedCount != 1 || res.RejectedCount != 1 {
		t.Errorf("result = %+v, want approved 1 rejected 1", res)
	}

	pending, err := svc.GetRequiringReview(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetRequiringReview() error = %v", err)
	}
	if rows := pending[core.EntityVenue]; len(rows) != 1 || rows[0].RowIndex != 1 {
		t.Errorf("pending = %+v, want only row 1", pending)
	}

	got, _ := svc.GetSession(ctx, s.ID)
	if d, _ := got.Decision(core.EntityVenue, 0); d.Action != ActionApprove || d.SelectedID != matches[0].Candidates[0].EntityID || !d.Automatic {
		t.Errorf("row 0 decision = %+v, want automatic approve of top candidate", d)
	}

	again, _ := svc.ApplyAutomaticApprovals(ctx, s.ID)
	if again.ApprovedCount != 0 || again.RejectedCount != 0 {
		t.Errorf("second sweep = %+v, want no new decisions", again)
	}
}

func TestCreateSession_InvalidThresholds(t *testing.T) {
	svc, _ := newReviewFixture()
	bad := Thresholds{AutoApprove: 0.5, RequireReview: 0.7, AutoReject: 0.3}
	_, err := svc.CreateSession(context.Background(), "u", "f", nil, &bad)
	if !errors.Is(err, core.ErrInvalidThresholds) {
		t.Errorf("CreateSession() error = %v, want ErrInvalidThresholds", err)
	}
}

func TestReviewMatch_Idempotent(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{match(core.EntityLecturer, 4, 0.8, 0.6)}, nil)

	if _, err := svc.ReviewMatch(ctx, s.ID, core.EntityLecturer, 4, ActionApprove, ""); err != nil {
		t.Fatalf("ReviewMatch(approve) error = %v", err)
	}
	if _, err := svc.ReviewMatch(ctx, s.ID, core.EntityLecturer, 4, ActionCreateNew, ""); err != nil {
		t.Fatalf("ReviewMatch(create_new) error = %v", err)
	}

	got, _ := svc.GetSession(ctx, s.ID)
	if len(got.Decisions[core.EntityLecturer]) != 1 {
		t.Fatalf("decisions = %+v, want exactly one", got.Decisions)
	}
	if d, _ := got.Decision(core.EntityLecturer, 4); d.Action != ActionCreateNew || d.SelectedID != "" {
		t.Errorf("decision = %+v, want latest create_new", d)
	}
}

func TestReviewMatch_Errors(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{
		match(core.EntityCourse, 0, 0.8, 0.5),
		match(core.EntityCourse, 1),
	}, nil)

	tests := []struct {
		name     string
		session  string
		row      int
		action   Action
		selected string
		want     error
	}{
		{"unknown row", s.ID, 9, ActionReject, "", core.ErrInvalidRowIndex},
		{"bad action", s.ID, 0, Action("maybe"), "", core.ErrInvalidAction},
		{"selection not a candidate", s.ID, 0, ActionApprove, "nope", core.ErrInvalidSelection},
		{"approve without candidates", s.ID, 1, ActionApprove, "", core.ErrInvalidSelection},
		{"missing session", "missing", 0, ActionReject, "", core.ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ReviewMatch(ctx, tt.session, core.EntityCourse, tt.row, tt.action, tt.selected)
			if !errors.Is(err, tt.want) {
				t.Errorf("ReviewMatch() error = %v, want %v", err, tt.want)
			}
		})
	}

	second := s.Matches[core.EntityCourse][0].Candidates[1].EntityID
	d, err := svc.ReviewMatch(ctx, s.ID, core.EntityCourse, 0, ActionApprove, second)
	if err != nil || d.SelectedID != second {
		t.Errorf("ReviewMatch(select second) = %+v, %v", d, err)
	}
}

func TestBatchReview_PartialSuccess(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{
		match(core.EntityVenue, 0, 0.8),
		match(core.EntityVenue, 1, 0.75),
	}, nil)

	res := svc.BatchReview(ctx, s.ID, []ReviewRequest{
		{EntityType: core.EntityVenue, RowIndex: 0, Action: ActionApprove},
		{EntityType: core.EntityVenue, RowIndex: 42, Action: ActionApprove},
		{EntityType: core.EntityVenue, RowIndex: 1, Action: ActionReject},
	})
	if res.ProcessedCount != 2 || res.FailedCount != 1 || len(res.Errors) != 1 || res.Success {
		t.Errorf("BatchReview() = %+v, want 2 processed, 1 failed", res)
	}

	got, _ := svc.GetSession(ctx, s.ID)
	if _, ok := got.Decision(core.EntityVenue, 1); !ok {
		t.Error("row after the failing one should still be decided")
	}

	missing := svc.BatchReview(ctx, "missing", []ReviewRequest{{EntityType: core.EntityVenue, RowIndex: 0, Action: ActionReject}})
	if missing.Success || missing.Message == "" {
		t.Errorf("BatchReview(missing) = %+v, want success=false with message", missing)
	}
}

func TestUpdateThresholds(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{match(core.EntityVenue, 0, 0.9)}, nil)

	if b, _ := s.Bucket(core.EntityVenue, 0); b != BucketRequiresReview {
		t.Fatalf("initial bucket = %s, want requires_review", b)
	}

	lower := 0.85
	if !svc.UpdateThresholds(ctx, s.ID, ThresholdsPatch{AutoApprove: &lower}) {
		t.Fatal("UpdateThresholds() = false, want true")
	}
	got, _ := svc.GetSession(ctx, s.ID)
	if b, _ := got.Bucket(core.EntityVenue, 0); b != BucketAutoApproved {
		t.Errorf("bucket after update = %s, want auto_approved", b)
	}

	invalid := 0.1
	if svc.UpdateThresholds(ctx, s.ID, ThresholdsPatch{AutoApprove: &invalid}) {
		t.Error("UpdateThresholds() with ordering violation = true, want false")
	}
	if svc.UpdateThresholds(ctx, "missing", ThresholdsPatch{}) {
		t.Error("UpdateThresholds() on missing session = true, want false")
	}
	after, _ := svc.GetSession(ctx, s.ID)
	if after.Thresholds.AutoApprove != lower {
		t.Errorf("rejected update changed thresholds: %+v", after.Thresholds)
	}
}

func TestSessionExpiry(t *testing.T) {
	svc, clock := newReviewFixture()
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{match(core.EntityVenue, 0, 0.5)}, nil)

	clock.Advance(time.Hour)
	if _, err := svc.GetSession(ctx, s.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("GetSession() after TTL error = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.ApplyAutomaticApprovals(ctx, s.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("ApplyAutomaticApprovals() after TTL error = %v, want ErrSessionNotFound", err)
	}
}

func TestStatisticsAndComplete(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{
		match(core.EntityVenue, 0, 0.99),
		match(core.EntityVenue, 1, 0.8),
		match(core.EntityCourse, 0, 0.1),
	}, nil)
	svc.ApplyAutomaticApprovals(ctx, s.ID)
	svc.ReviewMatch(ctx, s.ID, core.EntityVenue, 1, ActionCreateNew, "")

	stats, err := svc.Statistics(ctx, s.ID)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.Total != 3 || stats.Decided != 3 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
	v := stats.Entities[core.EntityVenue]
	if v.Approved != 1 || v.CreateNew != 1 || v.Automatic != 1 || v.Buckets.AutoApproved != 1 {
		t.Errorf("venue stats = %+v", v)
	}
	if c := stats.Entities[core.EntityCourse]; c.Rejected != 1 || c.Buckets.AutoRejected != 1 {
		t.Errorf("course stats = %+v", c)
	}

	if !svc.CompleteSession(ctx, s.ID) {
		t.Error("CompleteSession() = false, want true")
	}
	if svc.CompleteSession(ctx, s.ID) {
		t.Error("second CompleteSession() = true, want false")
	}
}

func TestReviewMatch_ConcurrentUpdatesKeepAllDecisions(t *testing.T) {
	svc, _ := newReviewFixture()
	ctx := context.Background()

	var matches []MatchResult
	for i := 0; i < 20; i++ {
		matches = append(matches, match(core.EntityVenue, i, 0.8))
	}
	s, _ := svc.CreateSession(ctx, "u", "f", matches, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(row int) {
			defer wg.Done()
			if _, err := svc.ReviewMatch(ctx, s.ID, core.EntityVenue, row, ActionReject, ""); err != nil {
				t.Errorf("ReviewMatch(%d) error = %v", row, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := svc.GetSession(ctx, s.ID)
	if n := len(got.Decisions[core.EntityVenue]); n != 20 {
		t.Errorf("decisions = %d, want 20", n)
	}
}
