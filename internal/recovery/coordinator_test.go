// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nishisan-dev/mysqlbak/internal/faults"
)

func TestWithDeadlineTimeout(t *testing.T) {
	err := WithDeadline(context.Background(), 20*time.Millisecond, "transfer", "t-1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var tf *faults.TimeoutFault
	if !errors.As(err, &tf) {
		t.Fatalf("err = %v, want TimeoutFault", err)
	}
	if tf.OpKind != "transfer" || tf.ID != "t-1" {
		t.Errorf("fault = %+v", tf)
	}
	if tf.Configured != 20*time.Millisecond {
		t.Errorf("configured = %v", tf.Configured)
	}
	if tf.Actual < tf.Configured {
		t.Errorf("actual %v < configured %v", tf.Actual, tf.Configured)
	}
	if faults.KindOf(err) != faults.KindTimeout {
		t.Errorf("KindOf = %s", faults.KindOf(err))
	}
}

func TestWithDeadlineSuccess(t *testing.T) {
	if err := WithDeadline(context.Background(), time.Second, "op", "", func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestWithDeadlinePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := WithDeadline(context.Background(), time.Second, "op", "", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestWithDeadlineParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithDeadline(ctx, time.Second, "op", "", func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	var tf *faults.TimeoutFault
	if errors.As(err, &tf) {
		t.Error("parent cancellation must not become a TimeoutFault")
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		hasToken bool
		want     Decision
	}{
		{"timeout with token", &faults.TimeoutFault{OpKind: "transfer"}, true, Retry},
		{"timeout without token", &faults.TimeoutFault{OpKind: "transfer"}, false, Surface},
		{"chunk checksum", faults.New(faults.KindChecksum, "ingest", "t", "x"), false, RetryChunkOnce},
		{"whole file integrity", faults.New(faults.KindIntegrity, "finalize", "t", "x"), true, SurfaceDropOutput},
		{"order", faults.New(faults.KindOrder, "ingest", "t", "x"), true, Surface},
		{"auth", faults.New(faults.KindAuth, "authenticate", "c", "x"), true, Surface},
		{"storage full", faults.New(faults.KindStorageFull, "ack", "t", "x"), true, Surface},
		{"transport with token", faults.New(faults.KindTransport, "dial", "t", "x"), true, Retry},
		{"transport without token", faults.New(faults.KindTransport, "dial", "t", "x"), false, Retry},
		{"cancellation", context.Canceled, true, Surface},
		{"nil", nil, true, Surface},
		{"unclassified", errors.New("x"), true, Surface},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.err, tc.hasToken); got != tc.want {
				t.Errorf("Decide = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Retry) || !Retryable(RetryChunkOnce) {
		t.Error("Retry and RetryChunkOnce must be retryable")
	}
	if Retryable(Surface) || Retryable(SurfaceDropOutput) {
		t.Error("Surface decisions must not be retryable")
	}
}
