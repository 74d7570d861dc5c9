package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/call-routing/internal/domain"
)

// RecipientRepository reads the priority fallback candidates of a campaign.
type RecipientRepository struct {
	db        *sqlx.DB
	schedules *ScheduleRepository
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB, schedules *ScheduleRepository) *RecipientRepository {
	return &RecipientRepository{db: db, schedules: schedules}
}

// ListRecipients returns the fixed candidate list in insertion order; the
// router's stable sort relies on that order for ties.
func (r *RecipientRepository) ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT r.id, cr.campaign_id, r.name, r.phone_number, r.priority,
		cr.priority AS campaign_priority, r.status, r.daily_cap, r.hourly_cap, r.concurrency_limit, r.time_zone
		FROM campaign_recipients cr
		JOIN recipients r ON r.id = cr.recipient_id
		WHERE cr.campaign_id = $1
		ORDER BY cr.created_at ASC, r.id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("recipients: list: %w", err)
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("recipients: scan: %w", err)
		}
		recipients = append(recipients, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipients: rows err: %w", err)
	}

	if r.schedules == nil || len(recipients) == 0 {
		return recipients, nil
	}

	ids := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		ids = append(ids, rc.ID)
	}
	schedules, err := r.schedules.Load(ctx, domain.TargetTypeRecipient, ids)
	if err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	for i := range recipients {
		s := schedules[recipients[i].ID]
		s.TimeZone = recipients[i].Schedule.TimeZone
		recipients[i].Schedule = s
	}
	return recipients, nil
}

type recipientRecord struct {
	ID               string         `db:"id"`
	CampaignID       string         `db:"campaign_id"`
	Name             string         `db:"name"`
	PhoneNumber      sql.NullString `db:"phone_number"`
	Priority         int            `db:"priority"`
	CampaignPriority int            `db:"campaign_priority"`
	Status           string         `db:"status"`
	DailyCap         int            `db:"daily_cap"`
	HourlyCap        int            `db:"hourly_cap"`
	ConcurrencyLimit int            `db:"concurrency_limit"`
	TimeZone         sql.NullString `db:"time_zone"`
}

func (r recipientRecord) toDomain() domain.Recipient {
	return domain.Recipient{
		ID:               r.ID,
		CampaignID:       r.CampaignID,
		Name:             r.Name,
		PhoneNumber:      r.PhoneNumber.String,
		Priority:         r.Priority,
		CampaignPriority: r.CampaignPriority,
		Status:           domain.RecipientStatus(r.Status),
		Capacity: domain.Capacity{
			DailyCap:         r.DailyCap,
			HourlyCap:        r.HourlyCap,
			ConcurrencyLimit: r.ConcurrencyLimit,
		},
		Schedule: domain.Schedule{TimeZone: r.TimeZone.String},
	}
}
