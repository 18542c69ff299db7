package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Preferences are a user's delivery choices.
type Preferences struct {
	UserID       string
	Email        string
	EmailEnabled bool
	InAppEnabled bool
	PushEnabled  bool
	PushTopic    string
	MutedKinds   []Kind
}

// DefaultPreferences enables the in-app channel only; e-mail and push need an
// address or topic.
func DefaultPreferences(userID string) Preferences {
	return Preferences{UserID: userID, InAppEnabled: true}
}

// Enabled reports whether channel should deliver kind.
func (p Preferences) Enabled(channel string, kind Kind) bool {
	if slices.Contains(p.MutedKinds, kind) {
		return false
	}
	switch channel {
	case ChannelEmail:
		return p.EmailEnabled && p.Email != ""
	case ChannelInApp:
		return p.InAppEnabled
	case ChannelPush:
		return p.PushEnabled && p.PushTopic != ""
	}
	return false
}

// PreferenceStore loads preferences. Unknown users get DefaultPreferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
}

// StaticPreferences serves fixed preferences, falling back to Default.
type StaticPreferences struct {
	Users   map[string]Preferences
	Default func(userID string) Preferences
}

func (s StaticPreferences) Preferences(ctx context.Context, userID string) (Preferences, error) {
	if p, ok := s.Users[userID]; ok {
		return p, nil
	}
	if s.Default != nil {
		return s.Default(userID), nil
	}
	return DefaultPreferences(userID), nil
}

// PostgresPreferences reads the notification_preferences table.
type PostgresPreferences struct {
	pool *pgxpool.Pool
}

func NewPostgresPreferences(pool *pgxpool.Pool) *PostgresPreferences {
	return &PostgresPreferences{pool: pool}
}

const preferencesQuery = `
SELECT COALESCE(email, ''), email_enabled, in_app_enabled, push_enabled,
       COALESCE(push_topic, ''), COALESCE(muted_kinds, '{}')
FROM notification_preferences
WHERE user_id = $1`

func (s *PostgresPreferences) Preferences(ctx context.Context, userID string) (Preferences, error) {
	p := Preferences{UserID: userID}
	var muted []string
	err := s.pool.QueryRow(ctx, preferencesQuery, userID).Scan(
		&p.Email, &p.EmailEnabled, &p.InAppEnabled, &p.PushEnabled, &p.PushTopic, &muted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("load notification preferences for %s: %w", userID, err)
	}
	for _, k := range muted {
		p.MutedKinds = append(p.MutedKinds, Kind(k))
	}
	return p, nil
}
