package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// ReviewOptions configures a ReviewService.
type ReviewOptions struct {
	TTL      time.Duration
	Defaults Thresholds
	Logger   *slog.Logger
	Now      func() time.Time
}

// ReviewService runs the review workflow over sessions held in a SessionStore.
// Every mutation goes through SessionStore.Update.
type ReviewService struct {
	store    SessionStore
	ttl      time.Duration
	defaults Thresholds
	logger   *slog.Logger
	now      func() time.Time
}

// NewReviewService returns a ReviewService over store.
func NewReviewService(store SessionStore, opts ReviewOptions) *ReviewService {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	if opts.Defaults == (Thresholds{}) {
		opts.Defaults = DefaultThresholds
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ReviewService{
		store:    store,
		ttl:      opts.TTL,
		defaults: opts.Defaults,
		logger:   opts.Logger.With("component", "review"),
		now:      opts.Now,
	}
}

// CreateSession stores matches in a new session and buckets them. When
// thresholds is nil the service defaults apply.
func (r *ReviewService) CreateSession(ctx context.Context, userID, fileID string, matches []MatchResult, thresholds *Thresholds) (*Session, error) {
	th := r.defaults
	if thresholds != nil {
		th = *thresholds
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		FileID:     fileID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
		Thresholds: th,
		Decisions:  make(map[core.EntityType]map[int]Decision),
	}
	for _, m := range matches {
		s.addMatch(m)
	}
	s.rebucket()

	if err := r.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create review session: %w", err)
	}
	r.logger.Info("review session created", "session_id", s.ID, "user_id", userID, "file_id", fileID, "matches", len(matches))
	return s, nil
}

// GetSession returns the session or core.ErrSessionNotFound.
func (r *ReviewService) GetSession(ctx context.Context, id string) (*Session, error) {
	return r.store.Load(ctx, id)
}

// ReviewMatch records a decision for (t, row), replacing any earlier one.
func (r *ReviewService) ReviewMatch(ctx context.Context, sessionID string, t core.EntityType, row int, action Action, selectedID string) (Decision, error) {
	var d Decision
	_, err := r.store.Update(ctx, sessionID, func(s *Session) error {
		var err error
		d, err = r.decide(s, t, row, action, selectedID)
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// decide validates and records one decision on s.
func (r *ReviewService) decide(s *Session, t core.EntityType, row int, action Action, selectedID string) (Decision, error) {
	if !action.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", core.ErrInvalidAction, action)
	}
	m, ok := s.Match(t, row)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s row %d", core.ErrInvalidRowIndex, t, row)
	}

	d := Decision{Action: action, DecidedAt: r.now().UTC()}
	if action == ActionApprove {
		var c Candidate
		if selectedID == "" {
			c, ok = m.Top()
		} else {
			c, ok = m.Candidate(selectedID)
		}
		if !ok {
			return Decision{}, fmt.Errorf("%w: %s row %d", core.ErrInvalidSelection, t, row)
		}
		d.SelectedID = c.EntityID
	}
	s.setDecision(t, row, d)
	return d, nil
}

// ReviewRequest is one decision of a batch.
type ReviewRequest struct {
	EntityType      core.EntityType `json:"entityType"`
	RowIndex        int             `json:"rowIndex"`
	Action          Action          `json:"action"`
	SelectedMatchID string          `json:"selectedMatchId,omitempty"`
}

// BatchResult reports a batch review. Failed decisions do not stop the others.
type BatchResult struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processedCount"`
	FailedCount    int      `json:"failedCount"`
	Errors         []string `json:"errors,omitempty"`
	Message        string   `json:"message,omitempty"`
}

// BatchReview applies each request independently within one session update.
// It never returns an error: failures are reported in the result.
func (r *ReviewService) BatchReview(ctx context.Context, sessionID string, reqs []ReviewRequest) BatchResult {
	var res BatchResult
	_, err := r.store.Update(ctx, sessionID, func(s *Session) error {
		res = BatchResult{}
		for _, req := range reqs {
			if _, err := r.decide(s, req.EntityType, req.RowIndex, req.Action, req.SelectedMatchID); err != nil {
				res.FailedCount++
				res.Errors = append(res.Errors, fmt.Sprintf("%s row %d: %v", req.EntityType, req.RowIndex, err))
				continue
			}
			res.ProcessedCount++
		}
		return nil
	})
	if err != nil {
		return BatchResult{
			FailedCount: len(reqs),
			Errors:      []string{err.Error()},
			Message:     core.FormatUserError(err),
		}
	}

	res.Success = res.FailedCount == 0
	switch {
	case res.Success:
		res.Message = fmt.Sprintf("%d decisions recorded", res.ProcessedCount)
	case res.ProcessedCount == 0:
		res.Message = "no decisions were recorded"
	default:
		res.Message = fmt.Sprintf("%d decisions recorded, %d failed", res.ProcessedCount, res.FailedCount)
	}
	return res
}

// AutoApprovalResult counts decisions made by ApplyAutomaticApprovals.
type AutoApprovalResult struct {
	ApprovedCount int `json:"approvedCount"`
	RejectedCount int `json:"rejectedCount"`
}

// ApplyAutomaticApprovals decides every undecided row whose score clears a
// threshold: auto-approved rows select the top candidate, auto-rejected rows
// are rejected. Rows needing review stay pending.
func (r *ReviewService) ApplyAutomaticApprovals(ctx context.Context, sessionID string) (AutoApprovalResult, error) {
	var res AutoApprovalResult
	_, err := r.store.Update(ctx, sessionID, func(s *Session) error {
		res = AutoApprovalResult{}
		now := r.now().UTC()
		for t, rows := range s.Matches {
			for row, m := range rows {
				if _, decided := s.Decision(t, row); decided {
					continue
				}
				switch s.Thresholds.Classify(m.Score) {
				case BucketAutoApproved:
					top, ok := m.Top()
					if !ok {
						s.setDecision(t, row, Decision{Action: ActionReject, Automatic: true, DecidedAt: now})
						res.RejectedCount++
						continue
					}
					s.setDecision(t, row, Decision{Action: ActionApprove, SelectedID: top.EntityID, Automatic: true, DecidedAt: now})
					res.ApprovedCount++
				case BucketAutoRejected:
					s.setDecision(t, row, Decision{Action: ActionReject, Automatic: true, DecidedAt: now})
					res.RejectedCount++
				}
			}
		}
		return nil
	})
	if err != nil {
		return AutoApprovalResult{}, err
	}
	r.logger.Info("automatic approvals applied", "session_id", sessionID, "approved", res.ApprovedCount, "rejected", res.RejectedCount)
	return res, nil
}

// UpdateThresholds merges patch into the session thresholds and re-buckets.
// It returns false when the session is missing or the result is invalid.
func (r *ReviewService) UpdateThresholds(ctx context.Context, sessionID string, patch ThresholdsPatch) bool {
	_, err := r.store.Update(ctx, sessionID, func(s *Session) error {
		merged := patch.Apply(s.Thresholds)
		if err := merged.Validate(); err != nil {
			return err
		}
		s.Thresholds = merged
		s.rebucket()
		return nil
	})
	if err != nil {
		if !errors.Is(err, core.ErrSessionNotFound) && !errors.Is(err, core.ErrInvalidThresholds) {
			r.logger.Error("threshold update failed", "session_id", sessionID, "error", err)
		}
		return false
	}
	return true
}

// PendingReview is an undecided row bucketed as requiring review.
type PendingReview struct {
	RowIndex int         `json:"rowIndex"`
	Match    MatchResult `json:"match"`
}

// GetRequiringReview returns exactly the undecided rows in the review bucket,
// ordered by row index.
func (r *ReviewService) GetRequiringReview(ctx context.Context, sessionID string) (map[core.EntityType][]PendingReview, error) {
	s, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[core.EntityType][]PendingReview)
	for _, t := range s.entityTypes() {
		for _, row := range sortedRows(s.Matches[t]) {
			if _, decided := s.Decision(t, row); decided {
				continue
			}
			if b, _ := s.Bucket(t, row); b != BucketRequiresReview {
				continue
			}
			out[t] = append(out[t], PendingReview{RowIndex: row, Match: s.Matches[t][row]})
		}
	}
	return out, nil
}

// EntityStats summarises one entity type of a session.
type EntityStats struct {
	Total     int               `json:"total"`
	Buckets   core.BucketCounts `json:"buckets"`
	Approved  int               `json:"approved"`
	Rejected  int               `json:"rejected"`
	CreateNew int               `json:"createNew"`
	Automatic int               `json:"automatic"`
	Pending   int               `json:"pending"`
}

// SessionStats summarises a session's review progress.
type SessionStats struct {
	SessionID  string                           `json:"sessionId"`
	Thresholds Thresholds                       `json:"thresholds"`
	ExpiresAt  time.Time                        `json:"expiresAt"`
	Total      int                              `json:"total"`
	Decided    int                              `json:"decided"`
	Pending    int                              `json:"pending"`
	Entities   map[core.EntityType]*EntityStats `json:"entities"`
}

// Statistics returns decision and bucket counts for the session.
func (r *ReviewService) Statistics(ctx context.Context, sessionID string) (SessionStats, error) {
	s, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return SessionStats{}, err
	}
	summary := s.Summary()
	stats := SessionStats{
		SessionID:  s.ID,
		Thresholds: s.Thresholds,
		ExpiresAt:  s.ExpiresAt,
		Entities:   make(map[core.EntityType]*EntityStats),
	}
	for t, rows := range s.Matches {
		es := &EntityStats{Total: len(rows), Buckets: summary[t]}
		for row := range rows {
			d, ok := s.Decision(t, row)
			if !ok {
				es.Pending++
				continue
			}
			switch d.Action {
			case ActionApprove:
				es.Approved++
			case ActionReject:
				es.Rejected++
			case ActionCreateNew:
				es.CreateNew++
			}
			if d.Automatic {
				es.Automatic++
			}
		}
		stats.Entities[t] = es
		stats.Total += es.Total
		stats.Pending += es.Pending
	}
	stats.Decided = stats.Total - stats.Pending
	return stats, nil
}

// CompleteSession removes the session. It returns false when nothing was removed.
func (r *ReviewService) CompleteSession(ctx context.Context, sessionID string) bool {
	ok, err := r.store.Delete(ctx, sessionID)
	if err != nil {
		r.logger.Warn("failed to delete review session", "session_id", sessionID, "error", err)
		return false
	}
	return ok
}
