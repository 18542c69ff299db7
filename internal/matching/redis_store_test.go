package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/logging"
)

func newRedisReview(t *testing.T) (*ReviewService, *RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStore(client, "test")
	svc := NewReviewService(store, ReviewOptions{TTL: 30 * time.Minute, Logger: logging.Discard()})
	return svc, store, mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	svc, _, mr := newRedisReview(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "u1", "f1", []MatchResult{match(core.EntityVenue, 3, 0.9, 0.4)}, nil)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	key := "test:review:session:" + s.ID
	if !mr.Exists(key) {
		t.Fatalf("key %s not written", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 30*time.Minute {
		t.Errorf("TTL = %v, want (0, 30m]", ttl)
	}

	got, err := svc.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if m, ok := got.Match(core.EntityVenue, 3); !ok || len(m.Candidates) != 2 {
		t.Errorf("match after round trip = %+v", m)
	}
}

func TestRedisStore_UpdateKeepsTTLAndAbortsOnError(t *testing.T) {
	svc, store, mr := newRedisReview(t)
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", []MatchResult{match(core.EntityVenue, 0, 0.8)}, nil)
	key := "test:review:session:" + s.ID

	mr.FastForward(10 * time.Minute)
	if _, err := svc.ReviewMatch(ctx, s.ID, core.EntityVenue, 0, ActionApprove, ""); err != nil {
		t.Fatalf("ReviewMatch() error = %v", err)
	}
	if ttl := mr.TTL(key); ttl > 30*time.Minute || ttl <= 0 {
		t.Errorf("TTL after update = %v, want remaining lifetime", ttl)
	}

	boom := errors.New("boom")
	_, err := store.Update(ctx, s.ID, func(s *Session) error {
		s.UserID = "mutated"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	got, _ := store.Load(ctx, s.ID)
	if got.UserID != "u" {
		t.Errorf("failed update was written: user = %q", got.UserID)
	}
}

func TestRedisStore_NotFound(t *testing.T) {
	svc, _, mr := newRedisReview(t)
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "u", "f", nil, nil)

	mr.FastForward(31 * time.Minute)
	if _, err := svc.GetSession(ctx, s.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("GetSession() after expiry error = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.ReviewMatch(ctx, "nope", core.EntityVenue, 0, ActionReject, ""); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("ReviewMatch() on missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisStore_ConcurrentReviews(t *testing.T) {
	svc, _, _ := newRedisReview(t)
	ctx := context.Background()

	var matches []MatchResult
	for i := 0; i < 8; i++ {
		matches = append(matches, match(core.EntityCourse, i, 0.8))
	}
	s, _ := svc.CreateSession(ctx, "u", "f", matches, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(row int) {
			defer wg.Done()
			svc.ReviewMatch(ctx, s.ID, core.EntityCourse, row, ActionReject, "")
		}(i)
	}
	wg.Wait()

	got, _ := svc.GetSession(ctx, s.ID)
	if n := len(got.Decisions[core.EntityCourse]); n != 8 {
		t.Errorf("decisions = %d, want 8 (no lost updates)", n)
	}
}
