package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"advisor/config"
	"advisor/models"
)

const (
	maxToolAnswerLength = 20000
	noClientData        = "No data found for that client."
)

const greetingSystemPrompt = "You are a helpful assistant to respond to greetings or general questions."

const defaultTranscriptSystemPrompt = "You are an assistant who supports wealth advisors in preparing for client meetings. " +
	"You have access to the client's past meeting call transcripts. " +
	"When answering questions, especially summary requests, provide a detailed and structured response that includes key topics, concerns, decisions, and trends. " +
	"If no data is available, state 'No relevant data found for previous meetings.'"

const defaultSQLPrompt = `Generate a valid PostgreSQL query to find {query} for tables and columns provided below:
1. Table: clients
Columns: client_id, client, email, occupation, marital_status, dependents
2. Table: investment_goals
Columns: client_id, investment_goal
3. Table: assets
Columns: client_id, asset_date, investment, roi, revenue, asset_type
4. Table: client_summaries
Columns: client_id, client_summary
5. Table: investment_goals_details
Columns: client_id, investment_goal, target_amount, contribution
6. Table: retirement
Columns: client_id, status_date, retirement_goal_progress, education_goal_progress
7. Table: client_meetings
Columns: client_id, conversation_id, title, start_time, end_time, advisor, client_email
Always use the investment column from the assets table as the value.
Assets table has snapshots of values by date. Do not add numbers across different dates for total values.
Do not use client name in filters.
Do not include assets values unless asked for.
ALWAYS use client_id = {clientid} in the query filter.
ALWAYS select Client Name (Column: client) in the query.
Query filters are IMPORTANT. Add filters like asset_type, asset_date, etc. if needed.
Only return the generated SQL query. Do not return anything else.`

// Asker はシステムプロンプト付きで 1 問だけ補完します
type Asker interface {
	Ask(ctx context.Context, systemPrompt, question string) (string, error)
}

// DataAsker はデータソースを指定して 1 問だけ補完します
type DataAsker interface {
	AskWithData(ctx context.Context, systemPrompt, question string, dataSource map[string]interface{}) (string, error)
}

// ReadOnlyQuerier は読み取り専用のクエリを実行します
type ReadOnlyQuerier interface {
	QueryReadOnly(ctx context.Context, query string) ([]models.ResultRow, error)
}

// TranscriptSource は通話記録インデックスのデータソースを作ります
type TranscriptSource interface {
	TranscriptsDataSource(clientID string) map[string]interface{}
}

// ChatWithDataTools はエージェントに公開するツール群
type ChatWithDataTools struct {
	llm               Asker
	data              DataAsker
	db                ReadOnlyQuerier
	transcripts       TranscriptSource
	sqlPrompt         string
	transcriptsPrompt string
}

func NewChatWithDataTools(cfg *config.Config, llm Asker, data DataAsker, db ReadOnlyQuerier, transcripts TranscriptSource) *ChatWithDataTools {
	sqlPrompt := cfg.SQLSystemPrompt
	if sqlPrompt == "" {
		sqlPrompt = defaultSQLPrompt
	}
	transcriptsPrompt := cfg.CallTranscriptSystemPrompt
	if transcriptsPrompt == "" {
		transcriptsPrompt = defaultTranscriptSystemPrompt
	}
	return &ChatWithDataTools{
		llm:               llm,
		data:              data,
		db:                db,
		transcripts:       transcripts,
		sqlPrompt:         sqlPrompt,
		transcriptsPrompt: transcriptsPrompt,
	}
}

// Definitions はエージェント作成時に登録する関数定義
func (t *ChatWithDataTools) Definitions() []map[string]interface{} {
	stringParam := func(description string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": description}
	}
	function := func(name, description string, properties map[string]interface{}, required ...string) map[string]interface{} {
		return map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        name,
				"description": description,
				"parameters": map[string]interface{}{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			},
		}
	}

	return []map[string]interface{}{
		function("GreetingsResponse", "Respond to any greeting or general questions",
			map[string]interface{}{"input": stringParam("the question")}, "input"),
		function("ChatWithSQLDatabase", "Given a query about client assets, investments and scheduled meetings (including upcoming or next meeting dates/times), get details from the database based on the provided question and client id",
			map[string]interface{}{"input": stringParam("the question"), "ClientId": stringParam("the ClientId")}, "input", "ClientId"),
		function("ChatWithCallTranscripts", "given a query about meetings summary or actions or notes, get answer from search index for a given ClientId",
			map[string]interface{}{"question": stringParam("the question"), "ClientId": stringParam("the ClientId")}, "question", "ClientId"),
	}
}

// Execute はツール名と JSON 引数からツールを呼び出します。失敗もツールの出力として返す
func (t *ChatWithDataTools) Execute(ctx context.Context, name, arguments string) string {
	var args struct {
		Input    string `json:"input"`
		Question string `json:"question"`
		ClientID string `json:"ClientId"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
	}

	switch name {
	case "GreetingsResponse":
		return t.GreetingsResponse(ctx, args.Input)
	case "ChatWithSQLDatabase":
		return t.ChatWithSQLDatabase(ctx, args.Input, args.ClientID)
	case "ChatWithCallTranscripts":
		return t.ChatWithCallTranscripts(ctx, args.Question, args.ClientID)
	}
	return fmt.Sprintf("Error: unknown tool %s", name)
}

func (t *ChatWithDataTools) GreetingsResponse(ctx context.Context, input string) string {
	answer, err := t.llm.Ask(ctx, greetingSystemPrompt, input)
	if err != nil {
		return fmt.Sprintf("Error retrieving greeting response: %v", err)
	}
	return answer
}

// ChatWithSQLDatabase は質問から SQL を生成し、読み取り専用で実行した結果を返します
func (t *ChatWithDataTools) ChatWithSQLDatabase(ctx context.Context, input, clientID string) string {
	if strings.TrimSpace(clientID) == "" {
		return "Error: ClientId is required"
	}
	if strings.TrimSpace(input) == "" {
		return "Error: Query input is required"
	}

	prompt := strings.ReplaceAll(t.sqlPrompt, "{query}", input)
	prompt = strings.ReplaceAll(prompt, "{clientid}", clientID)

	generated, err := t.llm.Ask(ctx, "You are a helpful assistant.", prompt)
	if err != nil {
		return fmt.Sprintf("Error retrieving data from SQL: %v", err)
	}

	query := StripSQLFences(generated)
	log.Printf("Generated SQL: %s", query)

	rows, err := t.db.QueryReadOnly(ctx, query)
	if err != nil {
		return fmt.Sprintf("Error retrieving data from SQL: %v", err)
	}
	if len(rows) == 0 {
		return noClientData
	}
	return truncate(FormatRows(rows), maxToolAnswerLength)
}

// ChatWithCallTranscripts はクライアントの通話記録インデックスに問い合わせます
func (t *ChatWithDataTools) ChatWithCallTranscripts(ctx context.Context, question, clientID string) string {
	if strings.TrimSpace(clientID) == "" {
		return "Error: ClientId is required"
	}
	if strings.TrimSpace(question) == "" {
		return "Error: Question input is required"
	}

	answer, err := t.data.AskWithData(ctx, t.transcriptsPrompt, question, t.transcripts.TranscriptsDataSource(clientID))
	if err != nil {
		return fmt.Sprintf("Error retrieving data from call transcripts: %v", err)
	}
	if strings.TrimSpace(answer) == "" {
		return noClientData
	}
	return answer
}

// StripSQLFences は ```sql フェンスを取り除きます
func StripSQLFences(query string) string {
	query = strings.ReplaceAll(query, "```sql", "")
	query = strings.ReplaceAll(query, "```", "")
	return strings.TrimSpace(query)
}

// FormatRows は 1 行ずつ "列名: 値" をカンマ区切りで並べます。列の順序はクエリの順
func FormatRows(rows []models.ResultRow) string {
	var b strings.Builder
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", col.Name, formatValue(col.Value))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	}
	return value
}

// truncate は文字数で max までに切り詰めます
func truncate(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
