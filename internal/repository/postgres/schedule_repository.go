package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/call-routing/internal/domain"
)

// ScheduleRepository persists operating windows and per-date overrides for
// bidders and recipients.
type ScheduleRepository struct {
	db *sqlx.DB
}

// NewScheduleRepository creates a new repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Replace swaps every window and override of one owner. The time zone lives on
// the owner row and is not touched here.
func (r *ScheduleRepository) Replace(ctx context.Context, kind domain.TargetType, ownerID string, schedule domain.Schedule) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM operating_windows WHERE owner_kind = $1 AND owner_id = $2`, kind, ownerID); err != nil {
			return fmt.Errorf("schedules: delete windows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_overrides WHERE owner_kind = $1 AND owner_id = $2`, kind, ownerID); err != nil {
			return fmt.Errorf("schedules: delete overrides: %w", err)
		}

		if len(schedule.Windows) > 0 {
			stmt, err := tx.PreparexContext(ctx, `INSERT INTO operating_windows (owner_kind, owner_id, day_of_week, start_minute, end_minute) VALUES ($1, $2, $3, $4, $5)`)
			if err != nil {
				return fmt.Errorf("schedules: prepare window insert: %w", err)
			}
			defer stmt.Close()

			for _, w := range schedule.Windows {
				if _, err := stmt.ExecContext(ctx, kind, ownerID, int(w.DayOfWeek), timeToMinute(w.Start), timeToMinute(w.End)); err != nil {
					return fmt.Errorf("schedules: insert window: %w", err)
				}
			}
		}

		for _, o := range schedule.Overrides {
			date := o.Date.Format(time.DateOnly)
			if o.Closed || len(o.Windows) == 0 {
				if _, err := tx.ExecContext(ctx, `INSERT INTO schedule_overrides (owner_kind, owner_id, override_date, closed) VALUES ($1, $2, $3, TRUE)`, kind, ownerID, date); err != nil {
					return fmt.Errorf("schedules: insert closure: %w", err)
				}
				continue
			}
			for _, w := range o.Windows {
				if _, err := tx.ExecContext(ctx, `INSERT INTO schedule_overrides (owner_kind, owner_id, override_date, closed, start_minute, end_minute) VALUES ($1, $2, $3, FALSE, $4, $5)`,
					kind, ownerID, date, timeToMinute(w.Start), timeToMinute(w.End)); err != nil {
					return fmt.Errorf("schedules: insert override window: %w", err)
				}
			}
		}
		return nil
	})
}

// Load returns the schedules of the given owners keyed by owner id. Owners
// without rows are absent from the map, which means always open.
func (r *ScheduleRepository) Load(ctx context.Context, kind domain.TargetType, ownerIDs []string) (map[string]domain.Schedule, error) {
	out := make(map[string]domain.Schedule, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT owner_id, day_of_week, start_minute, end_minute
		FROM operating_windows
		WHERE owner_kind = $1 AND owner_id = ANY($2)
		ORDER BY owner_id, day_of_week, start_minute`, kind, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("schedules: query windows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row struct {
			OwnerID  string `db:"owner_id"`
			Day      int    `db:"day_of_week"`
			StartMin int    `db:"start_minute"`
			EndMin   int    `db:"end_minute"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("schedules: scan window: %w", err)
		}
		s := out[row.OwnerID]
		s.Windows = append(s.Windows, domain.OperatingWindow{
			DayOfWeek: time.Weekday(row.Day),
			Start:     minuteToTime(row.StartMin),
			End:       minuteToTime(row.EndMin),
		})
		out[row.OwnerID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedules: windows rows err: %w", err)
	}

	overrides, err := r.db.QueryxContext(ctx, `SELECT owner_id, override_date, closed, start_minute, end_minute
		FROM schedule_overrides
		WHERE owner_kind = $1 AND owner_id = ANY($2)
		ORDER BY owner_id, override_date, start_minute`, kind, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("schedules: query overrides: %w", err)
	}
	defer overrides.Close()

	for overrides.Next() {
		var row struct {
			OwnerID  string        `db:"owner_id"`
			Date     time.Time     `db:"override_date"`
			Closed   bool          `db:"closed"`
			StartMin sql.NullInt32 `db:"start_minute"`
			EndMin   sql.NullInt32 `db:"end_minute"`
		}
		if err := overrides.StructScan(&row); err != nil {
			return nil, fmt.Errorf("schedules: scan override: %w", err)
		}
		s := out[row.OwnerID]
		s.Overrides = appendOverride(s.Overrides, row.Date, row.Closed, row.StartMin, row.EndMin)
		out[row.OwnerID] = s
	}
	if err := overrides.Err(); err != nil {
		return nil, fmt.Errorf("schedules: overrides rows err: %w", err)
	}

	return out, nil
}

// appendOverride folds one override row into the list, merging rows that share
// a date into a single override with several windows.
func appendOverride(list []domain.ScheduleOverride, date time.Time, closed bool, start, end sql.NullInt32) []domain.ScheduleOverride {
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	var o *domain.ScheduleOverride
	if n := len(list); n > 0 && list[n-1].Date.Equal(date) {
		o = &list[n-1]
	} else {
		list = append(list, domain.ScheduleOverride{Date: date})
		o = &list[len(list)-1]
	}
	if closed || !start.Valid || !end.Valid {
		o.Closed = true
		o.Windows = nil
		return list
	}
	if !o.Closed {
		o.Windows = append(o.Windows, domain.OperatingWindow{
			DayOfWeek: date.Weekday(),
			Start:     minuteToTime(int(start.Int32)),
			End:       minuteToTime(int(end.Int32)),
		})
	}
	return list
}

func minuteToTime(min int) time.Time {
	hour := min / 60
	minute := min % 60
	return time.Date(2000, time.January, 1, hour, minute, 0, 0, time.UTC)
}

func timeToMinute(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
