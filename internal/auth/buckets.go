// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package auth

import (
	"sync"
	"time"
)

// attemptBucket acumula falhas de autenticação de um client.
type attemptBucket struct {
	count   int
	firstAt time.Time
	lastAt  time.Time
}

// attemptTracker mantém os buckets de falha por clientId.
type attemptTracker struct {
	mu      sync.Mutex
	buckets map[string]*attemptBucket
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{buckets: make(map[string]*attemptBucket)}
}

// recordFailure incrementa o bucket do client.
func (t *attemptTracker) recordFailure(clientID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[clientID]
	if !ok {
		b = &attemptBucket{firstAt: now}
		t.buckets[clientID] = b
	}
	b.count++
	b.lastAt = now
}

// reset limpa o bucket do client (sucesso de autenticação).
func (t *attemptTracker) reset(clientID string) {
	t.mu.Lock()
	delete(t.buckets, clientID)
	t.mu.Unlock()
}

// lockedOut informa se o client está em lockout: count >= maxAttempts e
// última falha dentro de lockoutDuration.
func (t *attemptTracker) lockedOut(clientID string, maxAttempts int, lockoutDuration time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[clientID]
	if !ok {
		return false
	}
	return b.count >= maxAttempts && now.Sub(b.lastAt) < lockoutDuration
}

// sweep remove buckets ociosos há mais de maxIdle. Retorna quantos removeu.
func (t *attemptTracker) sweep(maxIdle time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, b := range t.buckets {
		if now.Sub(b.lastAt) > maxIdle {
			delete(t.buckets, id)
			removed++
		}
	}
	return removed
}
