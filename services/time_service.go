package services

import "time"

// ソートキーに埋め込むため桁数を固定した UTC 形式
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// GetCurrentTimestamp は現在のタイムスタンプをISO8601形式で返します
func GetCurrentTimestamp() string {
	return formatTimestamp(time.Now())
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) time.Time {
	t, _ := time.Parse(timestampLayout, value)
	return t
}
