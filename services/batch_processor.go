package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

const sampleDateDiffQuery = `
SELECT
    COALESCE((CURRENT_DATE - (SELECT MAX(start_time)::date FROM client_meetings)) + 3, 0) AS meeting_days,
    COALESCE((CURRENT_DATE - (SELECT MAX(asset_date)::date FROM assets)) - 30, 0) / 30 AS asset_months,
    COALESCE((CURRENT_DATE - (SELECT MAX(status_date)::date FROM retirement)) - 30, 0) / 30 AS status_months`

// SampleShift は各テーブルの日付をずらす量
type SampleShift struct {
	MeetingDays  int
	AssetMonths  int
	StatusMonths int
}

// SampleDataRefresher はサンプルデータの日付を今日基準に進めます
type SampleDataRefresher struct {
	db *sql.DB
}

func NewSampleDataRefresher(db *sql.DB) *SampleDataRefresher {
	return &SampleDataRefresher{db: db}
}

// Refresh はずらす量を計算し、正の値のものだけ 1 トランザクションで更新します
func (r *SampleDataRefresher) Refresh(ctx context.Context) (SampleShift, error) {
	var shift SampleShift
	if err := r.db.QueryRowContext(ctx, sampleDateDiffQuery).Scan(&shift.MeetingDays, &shift.AssetMonths, &shift.StatusMonths); err != nil {
		return shift, fmt.Errorf("failed to compute sample date shift: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return shift, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	updates := []struct {
		amount int
		stmt   string
	}{
		{shift.MeetingDays, "UPDATE client_meetings SET start_time = start_time + make_interval(days => $1), end_time = end_time + make_interval(days => $1)"},
		{shift.AssetMonths, "UPDATE assets SET asset_date = asset_date + make_interval(months => $1)"},
		{shift.StatusMonths, "UPDATE retirement SET status_date = status_date + make_interval(months => $1)"},
	}
	for _, u := range updates {
		if u.amount <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, u.stmt, u.amount); err != nil {
			return shift, fmt.Errorf("failed to update sample data: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return shift, fmt.Errorf("failed to commit sample data: %w", err)
	}

	log.Printf("Sample data updated at %s: %+v", GetCurrentTimestamp(), shift)
	return shift, nil
}
