package models

// WireRecord は json-lines の 1 行として書き出せるレコード
type WireRecord interface {
	wireRecord()
}

// StreamRecord は上流のチャンク 1 つを正規化した結果
type StreamRecord struct {
	ID              string                 `json:"id"`
	Model           string                 `json:"model"`
	Created         int64                  `json:"created"`
	Object          string                 `json:"object"`
	Choices         []StreamChoice         `json:"choices"`
	APIMRequestID   string                 `json:"apim-request-id"`
	HistoryMetadata map[string]interface{} `json:"history_metadata"`
}

type StreamChoice struct {
	Messages []WireMessage `json:"messages"`
}

// WireMessage は {role, content} か {delta: {...}} のどちらか
type WireMessage struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
	Delta   *Delta  `json:"delta,omitempty"`
}

type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ErrorRecord はストリームを終了させるエラー行
type ErrorRecord struct {
	Error interface{} `json:"error"`
}

func (StreamRecord) wireRecord() {}
func (ErrorRecord) wireRecord()  {}

// Messages は先頭 choice のメッセージを返します
func (r StreamRecord) Messages() []WireMessage {
	if len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Messages
}
