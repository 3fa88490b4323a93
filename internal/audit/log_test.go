// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/logging"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path, 0, logging.Discard())
	t.Cleanup(func() { l.Close() })
	return l, path
}

func readLines(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("opening audit file: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("parsing line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

func TestCloseDrainsQueue(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 10; i++ {
		l.LogEvent(Event{
			ClientID:  "db01",
			Operation: "authenticate",
			Outcome:   OutcomeSuccess,
		})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := readLines(t, path)
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10", len(events))
	}
	for _, e := range events {
		if e.ID == "" || e.Timestamp == "" {
			t.Errorf("event missing id or timestamp: %+v", e)
		}
	}
}

func TestThresholdFlush(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < flushThreshold; i++ {
		l.LogEvent(Event{Operation: "authenticate", Outcome: OutcomeFailure})
	}

	// O batch fecha ao atingir o threshold, sem esperar o ticker
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(readLines(t, path)) >= flushThreshold {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("got %d events before deadline, want %d", len(readLines(t, path)), flushThreshold)
}

func TestEventOrderPreserved(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 20; i++ {
		l.LogEvent(Event{
			ID:        fmt.Sprintf("evt-%02d", i),
			Operation: "authenticate",
			Outcome:   OutcomeSuccess,
		})
	}
	l.Close()

	events := readLines(t, path)
	if len(events) != 20 {
		t.Fatalf("got %d events, want 20", len(events))
	}
	for i, e := range events {
		if want := fmt.Sprintf("evt-%02d", i); e.ID != want {
			t.Errorf("event[%d].ID = %s, want %s", i, e.ID, want)
		}
	}
}

func TestBetween(t *testing.T) {
	l, _ := newTestLog(t)

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	stamp := func(offset time.Duration) string {
		return base.Add(offset).Format(time.RFC3339Nano)
	}

	// Fora de ordem de propósito: Between deve ordenar por timestamp
	l.LogEvent(Event{ID: "late", Timestamp: stamp(2 * time.Hour), ClientID: "db01", Operation: "authenticate", Outcome: OutcomeSuccess})
	l.LogEvent(Event{ID: "early", Timestamp: stamp(0), ClientID: "db01", Operation: "authenticate", Outcome: OutcomeFailure})
	l.LogEvent(Event{ID: "other-client", Timestamp: stamp(time.Hour), ClientID: "db02", Operation: "authenticate", Outcome: OutcomeSuccess})
	l.LogEvent(Event{ID: "out-of-range", Timestamp: stamp(48 * time.Hour), ClientID: "db01", Operation: "authenticate", Outcome: OutcomeSuccess})
	l.Close()

	got, err := l.Between(base, base.Add(3*time.Hour), "")
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].ID != "early" || got[1].ID != "other-client" || got[2].ID != "late" {
		t.Errorf("order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}

	byClient, err := l.Between(base, base.Add(3*time.Hour), "db01")
	if err != nil {
		t.Fatalf("Between by client: %v", err)
	}
	if len(byClient) != 2 {
		t.Errorf("got %d events for db01, want 2", len(byClient))
	}
}

func TestBetweenMixedPrecisionTimestamps(t *testing.T) {
	l, _ := newTestLog(t)

	base := time.Date(2026, 1, 10, 12, 0, 5, 0, time.UTC)

	// RFC3339Nano omite frações zeradas: "12:00:05Z" vem textualmente depois
	// de "12:00:05.25Z", mas é o instante anterior. A ordenação tem que usar
	// o tempo parseado.
	l.LogEvent(Event{ID: "fractional", Timestamp: base.Add(250 * time.Millisecond).Format(time.RFC3339Nano), Operation: "authenticate", Outcome: OutcomeSuccess})
	l.LogEvent(Event{ID: "whole-second", Timestamp: base.Format(time.RFC3339Nano), Operation: "authenticate", Outcome: OutcomeSuccess})
	l.Close()

	got, err := l.Between(base.Add(-time.Minute), base.Add(time.Minute), "")
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ID != "whole-second" || got[1].ID != "fractional" {
		t.Errorf("order = %s, %s, want whole-second first", got[0].ID, got[1].ID)
	}
}

func TestBetweenMissingFile(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "absent.jsonl"), 0, logging.Discard())
	defer l.Close()

	got, err := l.Between(time.Time{}, time.Now(), "")
	if err != nil || got != nil {
		t.Errorf("Between on missing file = (%v, %v)", got, err)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	l, path := newTestLog(t)

	now := time.Now().UTC()
	l.LogEvent(Event{ID: "old", Timestamp: now.AddDate(0, 0, -100).Format(time.RFC3339Nano), Operation: "authenticate", Outcome: OutcomeSuccess})
	l.LogEvent(Event{ID: "fresh", Timestamp: now.Format(time.RFC3339Nano), Operation: "authenticate", Outcome: OutcomeSuccess})
	l.Close()

	// Linha não parseável é preservada conservadoramente
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("opening audit file: %v", err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	removed, err := l.PurgeOlderThan(90)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audit file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"fresh"`) || !strings.Contains(content, "{not valid json") {
		t.Errorf("purged file lost data:\n%s", content)
	}
	if strings.Contains(content, `"old"`) {
		t.Errorf("purged file still has old event:\n%s", content)
	}

	// Segunda passada não tem nada a remover
	removed, err = l.PurgeOlderThan(90)
	if err != nil || removed != 0 {
		t.Errorf("second purge = (%d, %v)", removed, err)
	}
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path, 256, logging.Discard())

	for i := 0; i < 50; i++ {
		l.LogEvent(Event{ClientID: "db01", Operation: "authenticate", Outcome: OutcomeSuccess})
	}
	l.Close()

	archives, err := filepath.Glob(path + ".*.jsonl.zst")
	if err != nil {
		t.Fatalf("globbing archives: %v", err)
	}
	if len(archives) == 0 {
		t.Fatal("expected at least one rotated archive")
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	if fi.Size() > 256 {
		t.Errorf("active file size = %d after rotation", fi.Size())
	}
}
