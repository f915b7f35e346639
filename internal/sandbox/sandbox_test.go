package sandbox

import (
	"context"
	"testing"
	"time"
)

type fakeRunner struct {
	stdout string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	if f.err != nil {
		return "", f.err.Error(), 1, f.err
	}
	return f.stdout, "", 0, nil
}

func TestExecCreatesSandboxOnFirstUse(t *testing.T) {
	g := New(&fakeRunner{stdout: "ok"})
	if g.GetSandbox("t1") != nil {
		t.Fatal("expected no sandbox before first Exec")
	}
	res, err := g.Exec(context.Background(), "t1", "echo ok", "/tmp", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "ok" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "ok")
	}
	if g.GetSandbox("t1") == nil {
		t.Fatal("expected sandbox to exist after Exec")
	}
}

func TestDetectHumanFalseWhenNoActivityYet(t *testing.T) {
	g := New(&fakeRunner{})
	human, err := g.DetectHuman("never-touched")
	if err != nil || human {
		t.Fatalf("got human=%v err=%v, want false nil", human, err)
	}
}

func TestDetectHumanFalseWhenPipelineDroveActivity(t *testing.T) {
	g := New(&fakeRunner{stdout: "ok"})
	if _, err := g.Exec(context.Background(), "t1", "echo ok", "/tmp", time.Second); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	human, err := g.DetectHuman("t1")
	if err != nil || human {
		t.Fatalf("got human=%v err=%v, want false nil", human, err)
	}
}

func TestDetectHumanTrueWhenActivityPrecedesAnySend(t *testing.T) {
	g := New(&fakeRunner{})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	g.ensure("t1")
	g.activities["t1"].lastActive = fixed

	human, err := g.DetectHuman("t1")
	if err != nil || !human {
		t.Fatalf("got human=%v err=%v, want true nil", human, err)
	}
}

func TestDetectHumanTrueWhenActivityOutsideWindow(t *testing.T) {
	g := New(&fakeRunner{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.ensure("t1")
	g.activities["t1"].lastPipelineSend = base
	g.activities["t1"].lastActive = base.Add(10 * time.Second)

	human, err := g.DetectHuman("t1")
	if err != nil || !human {
		t.Fatalf("got human=%v err=%v, want true nil (outside 5s window)", human, err)
	}
}
