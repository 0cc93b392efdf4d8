package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkFailure_AlertsAtThresholdOnce(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		alertSent bool
		want      bool
	}{
		{"below threshold", 1, false, false},
		{"at threshold", 3, false, true},
		{"already alerted", 5, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewFailureRepo(db, time.Second)

			rows := sqlmock.NewRows([]string{"consecutive_failures", "alert_sent"}).
				AddRow(tt.failures, tt.alertSent)

			mock.ExpectQuery(regexp.QuoteMeta("RETURNING consecutive_failures, alert_sent")).
				WithArgs("AAPL").
				WillReturnRows(rows)

			alertDue, err := repo.MarkFailure(context.Background(), "AAPL")

			require.NoError(t, err)
			assert.Equal(t, tt.want, alertDue)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkSuccess_ResetsCounterAndAlertFlag(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFailureRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("SET consecutive_failures = 0, last_success_at = NOW(), alert_sent = FALSE, alert_sent_at = NULL")).
		WithArgs("AAPL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkSuccess(context.Background(), "AAPL")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlertable_AppliesThreshold(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFailureRepo(db, time.Second)

	failedAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"symbol", "consecutive_failures", "last_failure_at", "last_success_at", "alert_sent", "alert_sent_at",
	}).AddRow("AAPL", 4, failedAt, nil, false, nil)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE consecutive_failures >= $1 AND alert_sent = FALSE")).
		WithArgs(alertAfterFailures).
		WillReturnRows(rows)

	out, err := repo.ListAlertable(context.Background())

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 4, out[0].ConsecutiveFailures)
	assert.False(t, out[0].AlertSent)
	assert.NoError(t, mock.ExpectationsWereMet())
}
