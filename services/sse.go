package services

import (
	"bufio"
	"io"
	"strings"
)

type sseEvent struct {
	Event string
	Data  string
}

// sseReader は text/event-stream の本文をイベント単位で読みます
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next は次のイベントを返します。本文を読み切ると io.EOF
func (s *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string

	for {
		line, err := s.r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 || ev.Event != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// コメント
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// 接頭辞のない JSON 行
			data = append(data, line)
		}

		if err != nil {
			if len(data) > 0 || ev.Event != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return sseEvent{}, err
		}
	}
}
