package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-routing/internal/domain"
	"github.com/acme/call-routing/internal/repository"
)

// passthrough lets slice arguments reach the mock the way pgx would accept them.
type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestCampaignGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepository(db)

	rows := sqlmock.NewRows([]string{"id", "name", "external_id", "rtb_enabled", "minimum_bidders", "auction_timeout_ms", "created_at", "updated_at"}).
		AddRow("camp-1", "spring", "abc", true, 2, int64(1500), time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id = $1")).WithArgs("camp-1").WillReturnRows(rows)

	c, err := repo.Get(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", c.ExternalID)
	assert.True(t, c.RTBEnabled)
	assert.Equal(t, 2, c.MinimumBidders)
	assert.Equal(t, 1500*time.Millisecond, c.AuctionTimeout)

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id = $1")).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignExternalID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM campaigns WHERE external_id = $1)")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	exists, err := repo.ExternalIDExists(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET external_id = $1")).
		WithArgs("def", "camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetExternalID(ctx, "camp-1", "def"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET external_id = $1")).
		WithArgs("def", "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.SetExternalID(ctx, "nope", "def"), repository.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBidRequestMarksWinnerInTransaction(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuctionRepository(db)

	amount := decimal.RequireFromString("6.00")
	done := time.Now().UTC()
	req := &domain.BidRequest{ID: "req-1", SuccessfulResponses: 2, WinningAmount: &amount, WinningBidderID: "b", CompletedAt: &done, TotalElapsed: 120 * time.Millisecond}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bid_requests SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bid_responses SET is_winning = TRUE")).
		WithArgs("resp-2", "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CompleteBidRequest(context.Background(), req, "resp-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBidRequestRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuctionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bid_requests SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bid_responses SET is_winning = TRUE")).WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	err := repo.CompleteBidRequest(context.Background(), &domain.BidRequest{ID: "req-1"}, "resp-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark winner")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBidResponses(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuctionRepository(db)

	rows := sqlmock.NewRows([]string{"id", "bid_request_id", "bidder_id", "amount", "currency", "destination", "required_seconds", "latency_ms", "status", "is_valid", "is_winning", "rejection_reason", "created_at"}).
		AddRow("r1", "req-1", "a", "4.50", "USD", "+1555", int64(30), int64(80), "success", true, false, nil, time.Now()).
		AddRow("r2", "req-1", "c", nil, "USD", nil, nil, int64(3000), "timeout", false, false, "deadline", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM bid_responses WHERE bid_request_id = $1")).WithArgs("req-1").WillReturnRows(rows)

	out, err := repo.ListBidResponses(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].Amount)
	assert.True(t, out[0].Amount.Equal(decimal.RequireFromString("4.5")))
	require.NotNil(t, out[0].RequiredSeconds)
	assert.Equal(t, 30, *out[0].RequiredSeconds)
	assert.Nil(t, out[1].Amount)
	assert.Equal(t, domain.ResponseTimeout, out[1].Status)
	assert.Equal(t, "deadline", out[1].RejectionReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecipientsAttachesSchedules(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRecipientRepository(db, NewScheduleRepository(db))

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaign_recipients cr")).
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "name", "phone_number", "priority", "campaign_priority", "status", "daily_cap", "hourly_cap", "concurrency_limit", "time_zone"}).
			AddRow("r1", "camp-1", "east", "+1555", 1, 5, "active", 100, 0, 2, "America/New_York").
			AddRow("r2", "camp-1", "west", "+1666", 1, 5, "inactive", 0, 0, 0, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM operating_windows")).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "day_of_week", "start_minute", "end_minute"}).
			AddRow("r1", 1, 540, 1020))
	mock.ExpectQuery(regexp.QuoteMeta("FROM schedule_overrides")).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "override_date", "closed", "start_minute", "end_minute"}).
			AddRow("r1", time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), true, nil, nil))

	out, err := repo.ListRecipients(context.Background(), "camp-1")
	require.NoError(t, err)
	require.Len(t, out, 2)

	east := out[0]
	assert.Equal(t, 5, east.CampaignPriority)
	assert.Equal(t, 2, east.Capacity.ConcurrencyLimit)
	assert.Equal(t, "America/New_York", east.Schedule.TimeZone)
	require.Len(t, east.Schedule.Windows, 1)
	assert.Equal(t, time.Monday, east.Schedule.Windows[0].DayOfWeek)
	assert.Equal(t, 9, east.Schedule.Windows[0].Start.Hour())
	assert.Equal(t, 17, east.Schedule.Windows[0].End.Hour())
	require.Len(t, east.Schedule.Overrides, 1)
	assert.True(t, east.Schedule.Overrides[0].Closed)

	assert.Equal(t, domain.RecipientInactive, out[1].Status)
	assert.Empty(t, out[1].Schedule.Windows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendOverrideMergesWindowsByDate(t *testing.T) {
	day := time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)
	valid := func(n int32) sql.NullInt32 { return sql.NullInt32{Int32: n, Valid: true} }

	var list []domain.ScheduleOverride
	list = appendOverride(list, day, false, valid(600), valid(720))
	list = appendOverride(list, day, false, valid(780), valid(900))
	list = appendOverride(list, day.AddDate(0, 0, 1), true, sql.NullInt32{}, sql.NullInt32{})

	require.Len(t, list, 2)
	assert.False(t, list[0].Closed)
	require.Len(t, list[0].Windows, 2)
	assert.Equal(t, 13, list[0].Windows[1].Start.Hour())
	assert.True(t, list[1].Closed)
}
