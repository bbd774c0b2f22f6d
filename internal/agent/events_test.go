package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEventRecorderDualLogs(t *testing.T) {
	dir := t.TempDir()
	rec, err := newEventRecorder(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec.record(Event{Type: EventStart, Text: "claude"})
	rec.record(Event{Type: EventToolCall, Tool: "Read", Detail: map[string]any{"input": `{"path":"a"}`}})
	rec.record(Event{Type: EventEnd})
	rec.close()

	// ndjson: one parseable object per line.
	f, err := os.Open(filepath.Join(dir, "events.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Fatalf("ndjson lines: %d", lines)
	}

	// binary log decodes to the same sequence.
	events, err := ReadEventLog(filepath.Join(dir, "events.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].Type != EventStart || events[1].Tool != "Read" {
		t.Fatalf("events: %+v", events)
	}
}
