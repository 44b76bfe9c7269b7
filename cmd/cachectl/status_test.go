package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/paladugu82/hybridshare/internal/conflict"
	"github.com/paladugu82/hybridshare/internal/queue"
)

func newTestCore(t *testing.T) *core {
	t.Helper()

	q, err := queue.Open(context.Background(), t.TempDir()+"/queue.db", nil, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	return &core{q: q, ld: conflict.New()}
}

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it — runStatus writes directly to os.Stdout rather
// than a cobra-provided writer, so this is the only way to observe it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	orig := os.Stdout
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = orig

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}

	return string(out)
}

func TestStatusJSONReportsQueueDepth(t *testing.T) {
	c := newTestCore(t)
	ctx := context.WithValue(context.Background(), coreKey{}, c)

	const n = 3
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file%d.txt", i)
		if err := c.q.Enqueue(ctx, queue.Mutation{
			Method: queue.MethodPost, ParentPath: "/", Name: name,
			LocalPrefix: "/", RemotePrefix: "/",
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	origJSON := flagJSON
	flagJSON = true
	t.Cleanup(func() { flagJSON = origJSON })

	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	out := captureStdout(t, func() {
		if err := runStatus(cmd, nil); err != nil {
			t.Fatalf("runStatus: %v", err)
		}
	})

	var report statusReport
	if err := json.Unmarshal(bytes.TrimSpace([]byte(out)), &report); err != nil {
		t.Fatalf("unmarshal status report: %v (output: %q)", err, out)
	}

	if report.QueueDepth != n {
		t.Fatalf("QueueDepth = %d, want %d", report.QueueDepth, n)
	}
	if len(report.Entries) != n {
		t.Fatalf("len(Entries) = %d, want %d", len(report.Entries), n)
	}
}

func TestStatusJSONReportsZeroOnEmptyQueue(t *testing.T) {
	c := newTestCore(t)
	ctx := context.WithValue(context.Background(), coreKey{}, c)

	origJSON := flagJSON
	flagJSON = true
	t.Cleanup(func() { flagJSON = origJSON })

	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	out := captureStdout(t, func() {
		if err := runStatus(cmd, nil); err != nil {
			t.Fatalf("runStatus: %v", err)
		}
	})

	var report statusReport
	if err := json.Unmarshal(bytes.TrimSpace([]byte(out)), &report); err != nil {
		t.Fatalf("unmarshal status report: %v (output: %q)", err, out)
	}

	if report.QueueDepth != 0 {
		t.Fatalf("QueueDepth = %d, want 0", report.QueueDepth)
	}
}

func TestStatusTextReportsQueueIsEmpty(t *testing.T) {
	c := newTestCore(t)
	ctx := context.WithValue(context.Background(), coreKey{}, c)

	origJSON := flagJSON
	flagJSON = false
	t.Cleanup(func() { flagJSON = origJSON })

	cmd := &cobra.Command{}
	cmd.SetContext(ctx)

	out := captureStdout(t, func() {
		if err := runStatus(cmd, nil); err != nil {
			t.Fatalf("runStatus: %v", err)
		}
	})

	if !strings.Contains(out, "queue is empty") {
		t.Fatalf("output = %q, want it to mention an empty queue", out)
	}
}
