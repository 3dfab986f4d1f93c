package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"advisor/models"

	_ "github.com/lib/pq"
)

const clientsQuery = `
SELECT
    c.client_id,
    c.client,
    c.email,
    to_char(a.asset_value, 'FM999,999,999,999,990') AS asset_value,
    cs.client_summary,
    to_char(m.last_meeting, 'FMDay FMMonth FMDD, YYYY') AS last_meeting,
    to_char(m.last_meeting, 'HH12:MI AM') AS last_meeting_start_time,
    to_char(m.last_meeting + INTERVAL '30 minutes', 'HH12:MI AM') AS last_meeting_end_time,
    to_char(m.next_meeting, 'FMDay FMMonth FMDD, YYYY') AS next_meeting,
    to_char(m.next_meeting, 'HH12:MI AM') AS next_meeting_start_time,
    to_char(m.next_meeting + INTERVAL '30 minutes', 'HH12:MI AM') AS next_meeting_end_time
FROM clients c
JOIN (
    SELECT client_id, asset_value
    FROM (
        SELECT client_id, SUM(investment) AS asset_value,
            ROW_NUMBER() OVER (PARTITION BY client_id ORDER BY asset_date DESC) AS row_num
        FROM assets
        GROUP BY client_id, asset_date
    ) ranked
    WHERE row_num = 1
) a ON c.client_id = a.client_id
JOIN client_summaries cs ON c.client_id = cs.client_id
JOIN (
    SELECT client_id,
        MAX(CASE WHEN start_time < NOW() THEN start_time END) AS last_meeting,
        MIN(CASE WHEN start_time > NOW() AND start_time < NOW() + INTERVAL '7 days' THEN start_time END) AS next_meeting
    FROM client_meetings
    GROUP BY client_id
) m ON c.client_id = m.client_id
WHERE m.next_meeting IS NOT NULL
ORDER BY m.next_meeting ASC`

// OpenPostgres は接続文字列に sslmode が無ければ disable を付けて接続し、疎通を確認します
func OpenPostgres(postgresURI string) (*sql.DB, error) {
	connStr := postgresURI
	if !strings.Contains(postgresURI, "sslmode=") {
		switch {
		case strings.Contains(postgresURI, "?"):
			connStr += "&sslmode=disable"
		case strings.Contains(postgresURI, "://"):
			connStr += "?sslmode=disable"
		default:
			connStr += " sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %v", err)
	}

	// 接続テスト
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %v", err)
	}

	return db, nil
}

// SQLService はクライアントデータベースへの問い合わせ
type SQLService struct {
	db *sql.DB
}

func NewSQLService(db *sql.DB) *SQLService {
	return &SQLService{db: db}
}

// ClientName はクライアント名を返します。見つからなければ空文字
func (s *SQLService) ClientName(ctx context.Context, clientID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT client FROM clients WHERE client_id = $1", clientID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client name: %w", err)
	}
	return name, nil
}

// QueryReadOnly は生成された SELECT 文を読み取り専用トランザクションで実行します
func (s *SQLService) QueryReadOnly(ctx context.Context, query string) ([]models.ResultRow, error) {
	query, err := checkReadOnly(query)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []models.ResultRow
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(models.ResultRow, len(columns))
		for i, name := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[i] = models.ResultColumn{Name: name, Value: value}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	return result, tx.Commit()
}

// checkReadOnly は 1 文だけの SELECT / WITH を許可し、末尾のセミコロンを除きます
func checkReadOnly(query string) (string, error) {
	query = strings.TrimSpace(query)
	query = strings.TrimSpace(strings.TrimRight(query, ";"))
	if query == "" || strings.Contains(query, ";") {
		return "", ErrUnsafeQuery
	}

	fields := strings.Fields(query)
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return query, nil
	}
	return "", ErrUnsafeQuery
}

// Clients は 7 日以内に次回ミーティングがあるクライアントを次回ミーティング順に返します
func (s *SQLService) Clients(ctx context.Context) ([]models.ClientSummary, error) {
	rows, err := s.db.QueryContext(ctx, clientsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	clients := make([]models.ClientSummary, 0)
	for rows.Next() {
		var c models.ClientSummary
		var email, assetValue, summary sql.NullString
		var lastMeeting, lastStart, lastEnd sql.NullString
		var nextMeeting, nextStart, nextEnd sql.NullString
		if err := rows.Scan(&c.ClientID, &c.ClientName, &email, &assetValue, &summary,
			&lastMeeting, &lastStart, &lastEnd, &nextMeeting, &nextStart, &nextEnd); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		c.ClientEmail = email.String
		c.AssetValue = assetValue.String
		c.ClientSummary = summary.String
		c.LastMeeting = lastMeeting.String
		c.LastMeetingStartTime = lastStart.String
		c.LastMeetingEndTime = lastEnd.String
		c.NextMeeting = nextMeeting.String
		c.NextMeetingTime = nextStart.String
		c.NextMeetingEndTime = nextEnd.String
		clients = append(clients, c)
	}
	return clients, rows.Err()
}
