// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Between lê o arquivo, filtra eventos no intervalo [start, end] (e por
// clientID, se não vazio) e retorna em ordem ascendente de timestamp.
func (l *Log) Between(start, end time.Time, clientID string) ([]Event, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	defer f.Close()

	type stamped struct {
		ts time.Time
		e  Event
	}
	var matched []stamped
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // linha corrompida não participa de queries
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			continue
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		if clientID != "" && e.ClientID != clientID {
			continue
		}
		matched = append(matched, stamped{ts: ts, e: e})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit file: %w", err)
	}

	// Ordena pelo timestamp parseado: a forma textual RFC3339Nano não ordena
	// lexicograficamente quando a fração de segundo está ausente.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ts.Before(matched[j].ts)
	})
	events := make([]Event, len(matched))
	for i, s := range matched {
		events[i] = s.e
	}
	return events, nil
}

// PurgeOlderThan reescreve o arquivo mantendo apenas eventos mais recentes
// que o cutoff. Linhas não parseáveis são preservadas conservadoramente.
// Retorna o número de linhas removidas.
func (l *Log) PurgeOlderThan(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	src, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening audit file: %w", err)
	}

	var kept [][]byte
	removed := 0

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			kept = append(kept, line) // preserva linhas ilegíveis
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			kept = append(kept, line)
			continue
		}
		if ts.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	scanErr := scanner.Err()
	src.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("scanning audit file: %w", scanErr)
	}

	if removed == 0 {
		return 0, nil
	}

	// Reescrita atômica: temp + rename
	tmpPath := l.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp audit file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("flushing temp audit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp audit file: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("committing purged audit file: %w", err)
	}

	l.logger.Info("audit purge complete", "removed", removed, "kept", len(kept))
	return removed, nil
}
