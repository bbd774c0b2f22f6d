package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EventType enumerates the agent event stream.
type EventType string

const (
	EventStart      EventType = "start"
	EventStdout     EventType = "stdout"
	EventStderr     EventType = "stderr"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventMessage    EventType = "message"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
	EventEnd        EventType = "end"
)

// Event is one entry in the turn's event stream. Detail keys vary by type;
// Text carries the human-readable payload.
type Event struct {
	Type   EventType      `json:"type" msgpack:"type"`
	Time   time.Time      `json:"time" msgpack:"time"`
	Text   string         `json:"text,omitempty" msgpack:"text,omitempty"`
	Tool   string         `json:"tool,omitempty" msgpack:"tool,omitempty"`
	Detail map[string]any `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// eventRecorder appends each event to two sibling logs: events.ndjson for
// humans and grep, events.bin (msgpack stream) for compact replay. Both are
// append-only; a write failure disables that sink for the rest of the turn.
type eventRecorder struct {
	mu   sync.Mutex
	nd   *os.File
	ndw  *bufio.Writer
	bin  *os.File
	benc *msgpack.Encoder
}

func newEventRecorder(dir string) (*eventRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	nd, err := os.OpenFile(filepath.Join(dir, "events.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	bin, err := os.OpenFile(filepath.Join(dir, "events.bin"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		nd.Close()
		return nil, err
	}
	return &eventRecorder{
		nd:   nd,
		ndw:  bufio.NewWriter(nd),
		bin:  bin,
		benc: msgpack.NewEncoder(bin),
	}, nil
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ndw != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, werr := r.ndw.Write(append(b, '\n'))
			if werr != nil {
				r.ndw = nil
			}
		}
	}
	if r.benc != nil {
		if err := r.benc.Encode(ev); err != nil {
			r.benc = nil
		}
	}
}

func (r *eventRecorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ndw != nil {
		_ = r.ndw.Flush()
	}
	if r.nd != nil {
		_ = r.nd.Close()
	}
	if r.bin != nil {
		_ = r.bin.Close()
	}
	r.ndw, r.nd, r.benc, r.bin = nil, nil, nil, nil
}

// ReadEventLog decodes an events.bin msgpack stream back into events.
func ReadEventLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := msgpack.NewDecoder(f)
	var out []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}
