package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"go.uber.org/zap/zaptest"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", DefaultFileName), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RunLifecycle(t *testing.T) {
	t.Parallel()

	l := openTest(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run, err := l.StartRun(ctx, "analyze", started)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.ID == "" {
		t.Fatalf("empty run id")
	}

	var rec analysis.Recorder = run
	rec.Record(analysis.Outcome{ConversationID: "c1", Kind: analysis.KindSuccess, Path: "/out/c1.md", Duration: 1500 * time.Millisecond, Tokens: 42})
	rec.Record(analysis.Outcome{ConversationID: "c2", Kind: analysis.KindAPIError, Err: errors.New("503"), Truncated: true})

	tally := analysis.Tally{}
	tally.Add(analysis.KindSuccess)
	tally.Add(analysis.KindAPIError)
	if err := run.Finish(ctx, tally, started.Add(time.Minute)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := l.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs=%d, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != run.ID || got.Command != "analyze" || !got.StartedAt.Equal(started) {
		t.Fatalf("run=%+v", got)
	}
	if !got.Finished() || got.Total != 2 || got.Success != 1 || got.APIError != 1 {
		t.Fatalf("run=%+v", got)
	}

	outs, err := l.Outcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("outcomes=%d, want 2", len(outs))
	}
	if outs[0].ConversationID != "c1" || outs[0].Path != "/out/c1.md" || outs[0].Duration != 1500*time.Millisecond || outs[0].Tokens != 42 {
		t.Fatalf("outcome[0]=%+v", outs[0])
	}
	if outs[1].Kind != analysis.KindAPIError || outs[1].Error != "503" || !outs[1].Truncated || outs[1].Path != "" {
		t.Fatalf("outcome[1]=%+v", outs[1])
	}
}

func TestLedger_RecentRunsNewestFirst(t *testing.T) {
	t.Parallel()

	l := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := l.StartRun(ctx, "analyze", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
	}

	runs, err := l.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs=%d, want 2", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Fatalf("order=%v then %v", runs[0].StartedAt, runs[1].StartedAt)
	}
	if runs[0].Finished() {
		t.Fatalf("unfinished run reported finished")
	}
}

func TestLedger_Reopen(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), DefaultFileName)
	l, err := Open(p, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.StartRun(context.Background(), "trends", time.Now()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(p, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	runs, err := l2.RecentRuns(context.Background(), 0)
	if err != nil || len(runs) != 1 || runs[0].Command != "trends" {
		t.Fatalf("runs=%+v err=%v", runs, err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("", nil); err == nil {
		t.Fatalf("expected error")
	}
}
