package client

import (
	"bufio"
	"io"
	"strings"
)

type sseMessage struct {
	Event string
	Data  string
}

// readSSE calls fn for every dispatched event in r until r ends or fn
// returns false. Comment lines are skipped.
func readSSE(r io.Reader, fn func(sseMessage) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var msg sseMessage
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 || msg.Event != "" {
				msg.Data = strings.Join(data, "\n")
				if !fn(msg) {
					return nil
				}
			}
			msg, data = sseMessage{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			msg.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
