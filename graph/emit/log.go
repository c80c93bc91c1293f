package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogEmitter writes events as text lines or JSON lines.
//
// Text mode:
//
//	[route] run=abc step=3 stage=interrupt_detector label=escalate to=escalator
//
// JSON mode writes one object per line, suitable for log shippers.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	var line string
	if l.jsonMode {
		line = formatJSON(event)
	} else {
		line = formatText(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.writer, line)
}

func formatJSON(event Event) string {
	data, err := json.Marshal(struct {
		RunID string                 `json:"run_id"`
		Step  int                    `json:"step"`
		Stage string                 `json:"stage"`
		Msg   string                 `json:"msg"`
		Meta  map[string]interface{} `json:"meta,omitempty"`
	}{
		RunID: event.RunID,
		Step:  event.Step,
		Stage: event.NodeID,
		Msg:   event.Msg,
		Meta:  event.Meta,
	})
	if err != nil {
		return fmt.Sprintf("{\"error\":%q}\n", "failed to marshal event: "+err.Error())
	}
	return string(data) + "\n"
}

func formatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] run=%s step=%d stage=%s", event.Msg, event.RunID, event.Step, event.NodeID)

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := event.Meta[k].(type) {
		case string:
			if strings.ContainsAny(v, " \t\"") {
				fmt.Fprintf(&b, " %s=%q", k, v)
			} else {
				fmt.Fprintf(&b, " %s=%s", k, v)
			}
		case fmt.Stringer:
			fmt.Fprintf(&b, " %s=%s", k, v.String())
		default:
			if data, err := json.Marshal(v); err == nil {
				fmt.Fprintf(&b, " %s=%s", k, data)
			} else {
				fmt.Fprintf(&b, " %s=%v", k, v)
			}
		}
	}
	b.WriteByte('\n')
	return b.String()
}
