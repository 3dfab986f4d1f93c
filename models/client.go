package models

// ClientSummary はアドバイザー画面のクライアント一覧の 1 行
type ClientSummary struct {
	ClientID             int    `json:"ClientId"`
	ClientName           string `json:"ClientName"`
	ClientEmail          string `json:"ClientEmail"`
	AssetValue           string `json:"AssetValue"`
	NextMeeting          string `json:"NextMeeting"`
	NextMeetingTime      string `json:"NextMeetingTime"`
	NextMeetingEndTime   string `json:"NextMeetingEndTime"`
	LastMeeting          string `json:"LastMeeting"`
	LastMeetingStartTime string `json:"LastMeetingStartTime"`
	LastMeetingEndTime   string `json:"LastMeetingEndTime"`
	ClientSummary        string `json:"ClientSummary"`
}

// ResultColumn は SQL 結果の 1 列。並びはクエリの列順
type ResultColumn struct {
	Name  string
	Value interface{}
}

type ResultRow []ResultColumn
