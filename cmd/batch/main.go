// cmd/batch/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"advisor/config"
	"advisor/services"
)

func main() {
	cfg := config.Load()
	if cfg.SQLDSN == "" {
		log.Fatal("SQLDB_DSN is not set")
	}

	// 数回リトライを試みる
	var db *sql.DB
	var err error

	for i := 0; i < 3; i++ {
		db, err = services.OpenPostgres(cfg.SQLDSN)
		if err == nil {
			break
		}
		log.Printf("Attempt %d: Failed to connect to database: %v", i+1, err)
		time.Sleep(2 * time.Second)
	}

	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer db.Close()

	refresher := services.NewSampleDataRefresher(db)
	log.Println("Starting sample data refresh service...")

	// 初回実行
	refresh(refresher)

	// 定期実行の設定
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		log.Println("Starting scheduled sample data refresh...")
		refresh(refresher)
		log.Println("Sample data refresh completed")
	}
}

func refresh(refresher *services.SampleDataRefresher) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	shift, err := refresher.Refresh(ctx)
	if err != nil {
		log.Printf("Error refreshing sample data: %v", err)
		return
	}
	log.Printf("Sample data shifted: meetings %d days, assets %d months, retirement %d months",
		shift.MeetingDays, shift.AssetMonths, shift.StatusMonths)
}
