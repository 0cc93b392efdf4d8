package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketforge/candlevault/internal/models"
)

func TestFeatureUpsert_CountsMatchedRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFeatureRepo(db, time.Second)

	ts := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	lr := 0.039
	regime := models.TrendRegimeUp
	matched := models.FeatureRow{
		Time:           ts,
		FeatureColumns: models.FeatureColumns{LogReturn: &lr, TrendRegime: &regime},
	}
	unmatched := models.FeatureRow{Time: ts.Add(24 * time.Hour)}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE market_data SET")
	prep.ExpectExec().
		WithArgs("AAPL", models.TF1d, ts,
			0.039, nil, nil, nil, nil, nil, nil, nil,
			nil, nil, nil, nil,
			nil, nil,
			nil, "uptrend", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	updated, err := repo.Upsert(context.Background(), "AAPL", models.TF1d,
		[]models.FeatureRow{matched, unmatched})

	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeatureUpsert_EmptyRowsSkipSQL(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFeatureRepo(db, time.Second)

	updated, err := repo.Upsert(context.Background(), "AAPL", models.TF1d, nil)

	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeatureLogRun_StampsMissingRanAt(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFeatureRepo(db, time.Second)

	mock.ExpectExec("INSERT INTO feature_runs").
		WithArgs("AAPL", models.TF1d, 50, 240, "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.LogRun(context.Background(), models.FeatureRun{
		Symbol:     "AAPL",
		Timeframe:  models.TF1d,
		WindowSize: 50,
		Records:    240,
		Outcome:    "completed",
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
