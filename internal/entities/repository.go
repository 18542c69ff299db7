package entities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/pipeline"
)

// Repository reads and writes entity tables.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New returns a Repository over pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, logger: logger.With("component", "entities")}
}

// ListEntities loads every stored entity of t with its fields as text,
// keyed by target field name.
func (r *Repository) ListEntities(ctx context.Context, t core.EntityType) ([]matching.Entity, error) {
	def, ok := core.Get(t)
	if !ok || def.KeyField == "" {
		return nil, fmt.Errorf("list %s: %w", t, core.ErrUnsupportedType)
	}

	cols := []string{"id::text"}
	for _, f := range def.Fields {
		cols = append(cols, fmt.Sprintf("COALESCE(%s::text, '')", quoteIdentifier(f.DBColumn)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at",
		strings.Join(cols, ", "), quoteIdentifier(def.Table))

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", def.Table, err)
	}
	defer rows.Close()

	var out []matching.Entity
	for rows.Next() {
		dest := make([]string, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", def.Table, err)
		}
		e := matching.Entity{ID: dest[0], Fields: make(map[string]string, len(def.Fields))}
		for i, f := range def.Fields {
			e.Fields[f.Name] = dest[i+1]
		}
		e.Label = e.Fields[def.KeyField]
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", def.Table, err)
	}
	return out, nil
}

// WriteEntities commits one batch in a transaction, isolating each record in
// a savepoint. Creating a record whose natural key already exists updates
// that row instead.
func (r *Repository) WriteEntities(ctx context.Context, t core.EntityType, batch []pipeline.EntityRecord) ([]pipeline.Outcome, error) {
	def, ok := core.Get(t)
	if !ok || def.KeyField == "" {
		return nil, fmt.Errorf("write %s: %w", t, core.ErrUnsupportedType)
	}
	return r.inBatch(ctx, def.Table, len(batch), func(tx pgx.Tx, i int) (pipeline.Outcome, error) {
		rec := batch[i]
		switch rec.Action {
		case pipeline.ActionSkip:
			return pipeline.Outcome{ID: rec.TargetID, Action: pipeline.ActionSkip}, nil
		case pipeline.ActionUpdate:
			return updateEntity(ctx, tx, def, rec)
		default:
			return upsertEntity(ctx, tx, def, rec)
		}
	})
}

func upsertEntity(ctx context.Context, tx pgx.Tx, def core.EntityDefinition, rec pipeline.EntityRecord) (pipeline.Outcome, error) {
	values, err := buildRow(def, rec.Values)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	columns := append([]string{"natural_key"}, values.columns...)
	args := append([]any{rec.Key}, values.values...)

	set := []string{"updated_at = now()"}
	for _, c := range values.columns {
		set = append(set, fmt.Sprintf("%[1]s = EXCLUDED.%[1]s", quoteIdentifier(c)))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
ON CONFLICT (natural_key) DO UPDATE SET %s
RETURNING id::text, (xmax = 0)`,
		quoteIdentifier(def.Table), joinQuoted(columns), placeholders(1, len(columns)), strings.Join(set, ", "))

	var (
		id       string
		inserted bool
	)
	if err := tx.QueryRow(ctx, query, args...).Scan(&id, &inserted); err != nil {
		return pipeline.Outcome{}, describe(err)
	}
	action := pipeline.ActionCreate
	if !inserted {
		action = pipeline.ActionUpdate
	}
	return pipeline.Outcome{ID: id, Action: action}, nil
}

func updateEntity(ctx context.Context, tx pgx.Tx, def core.EntityDefinition, rec pipeline.EntityRecord) (pipeline.Outcome, error) {
	values, err := buildRow(def, rec.Values)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	set := []string{"updated_at = now()"}
	for i, c := range values.columns {
		set = append(set, fmt.Sprintf("%s = $%d", quoteIdentifier(c), i+2))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 RETURNING id::text",
		quoteIdentifier(def.Table), strings.Join(set, ", "))

	var id string
	err = tx.QueryRow(ctx, query, append([]any{rec.TargetID}, values.values...)...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Outcome{}, fmt.Errorf("matched %s %s no longer exists", def.Type, rec.TargetID)
	}
	if err != nil {
		return pipeline.Outcome{}, describe(err)
	}
	return pipeline.Outcome{ID: id, Action: pipeline.ActionUpdate}, nil
}

var scheduleConflict = []string{"venue_id", "day_of_week", "start_time", "course_id", "lecturer_id"}

// WriteSchedules inserts timetable slots. A slot that already exists for the
// same venue, day, start time, course and lecturer is updated in place.
func (r *Repository) WriteSchedules(ctx context.Context, batch []pipeline.ScheduleRecord) ([]pipeline.Outcome, error) {
	def, ok := core.Get(core.EntitySchedule)
	if !ok {
		return nil, fmt.Errorf("write schedules: %w", core.ErrUnsupportedType)
	}
	return r.inBatch(ctx, def.Table, len(batch), func(tx pgx.Tx, i int) (pipeline.Outcome, error) {
		rec := batch[i]
		values, err := buildRow(def, rec.Values)
		if err != nil {
			return pipeline.Outcome{}, err
		}
		columns := append([]string{"venue_id", "lecturer_id", "course_id"}, values.columns...)
		args := append([]any{rec.VenueID, rec.LecturerID, rec.CourseID}, values.values...)

		var set []string
		for _, c := range values.columns {
			if !slices.Contains(scheduleConflict, c) {
				set = append(set, fmt.Sprintf("%[1]s = EXCLUDED.%[1]s", quoteIdentifier(c)))
			}
		}
		if len(set) == 0 {
			set = append(set, "day_of_week = EXCLUDED.day_of_week")
		}
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
ON CONFLICT (%s) DO UPDATE SET %s
RETURNING id::text, (xmax = 0)`,
			quoteIdentifier(def.Table), joinQuoted(columns), placeholders(1, len(columns)),
			strings.Join(scheduleConflict, ", "), strings.Join(set, ", "))

		var (
			id       string
			inserted bool
		)
		if err := tx.QueryRow(ctx, query, args...).Scan(&id, &inserted); err != nil {
			return pipeline.Outcome{}, describe(err)
		}
		action := pipeline.ActionCreate
		if !inserted {
			action = pipeline.ActionUpdate
		}
		return pipeline.Outcome{ID: id, Action: action}, nil
	})
}

// inBatch runs write for each of n records inside one transaction. A record
// error is rolled back to its savepoint and reported in its outcome; only
// transaction-level failures fail the batch.
func (r *Repository) inBatch(ctx context.Context, table string, n int, write func(tx pgx.Tx, i int) (pipeline.Outcome, error)) ([]pipeline.Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s batch: %w", table, err)
	}
	defer tx.Rollback(ctx)

	outcomes := make([]pipeline.Outcome, n)
	failed := 0
	for i := range n {
		sp := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, fmt.Errorf("savepoint %s batch: %w", table, err)
		}

		out, werr := write(tx, i)
		if werr != nil {
			if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
				return nil, fmt.Errorf("rollback %s record: %w", table, err)
			}
			outcomes[i] = pipeline.Outcome{Err: werr}
			failed++
			continue
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return nil, fmt.Errorf("release %s savepoint: %w", table, err)
		}
		outcomes[i] = out
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s batch: %w", table, err)
	}
	r.logger.Debug("batch committed", "table", table, "records", n, "failed", failed)
	return outcomes, nil
}

// describe turns a PostgreSQL error into a record-level message that keeps
// the server's detail.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	msg := pgErr.Message
	if pgErr.Detail != "" {
		msg += ": " + pgErr.Detail
	}
	return fmt.Errorf("%s (%s)", msg, pgErr.Code)
}

func joinQuoted(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ps, ", ")
}
