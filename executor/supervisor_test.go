package executor

import (
	"testing"
	"time"
)

const shellPath = "/bin/sh"

func newTestSupervisor(t *testing.T, script string, grace time.Duration) *Supervisor {
	t.Helper()

	s := &Supervisor{
		Process:     shellPath,
		ProcessArgs: []string{"-c", script},
		GracePeriod: grace,
	}

	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Logf("cleanup stop: %s", err)
		}
	})

	return s
}

func waitForExit(t *testing.T, wp *WorkerProcess) int {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if code, exited := wp.Exited(); exited {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for worker to exit")
	return 0
}

func TestEnsureStarted_Idempotent(t *testing.T) {
	s := newTestSupervisor(t, `while read line; do echo "$line"; done`, 2*time.Second)

	first, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	second, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	if first != second {
		t.Errorf("want the same worker from repeated EnsureStarted, got pids: %d and %d", first.Pid(), second.Pid())
	}
}

func TestEnsureStarted_SpawnFailure(t *testing.T) {
	s := &Supervisor{
		Process: "/does/not/exist",
	}

	if _, err := s.EnsureStarted(); err == nil {
		t.Fatal("Expected an error spawning a missing executable")
	}
}

func TestEnsureStarted_SurfacesExitThenRespawns(t *testing.T) {
	s := newTestSupervisor(t, `exit 3`, 2*time.Second)

	first, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	if code := waitForExit(t, first); code != 3 {
		t.Fatalf("want exit code: 3, got: %d", code)
	}

	// the exited worker is handed back once so the caller can report it
	second, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}
	if second != first {
		t.Errorf("want the exited worker surfaced before a respawn")
	}

	third, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}
	if third == first {
		t.Errorf("want a fresh worker after the exit was surfaced")
	}
}

func TestStop_NoWorkerIsNoop(t *testing.T) {
	s := newTestSupervisor(t, `exit 0`, 2*time.Second)

	if err := s.Stop(); err != nil {
		t.Errorf("Expected no error, got: %s", err)
	}
}

func TestStop_GracefulWithinGracePeriod(t *testing.T) {
	s := newTestSupervisor(t, `trap "exit 0" TERM; while :; do sleep 0.05; done`, 2*time.Second)

	if _, err := s.EnsureStarted(); err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	if took := time.Since(start); took >= 2*time.Second {
		t.Errorf("want graceful stop well within the grace period, took: %s", took)
	}

	if s.Alive() {
		t.Errorf("want Alive: false after Stop")
	}
}

func TestStop_ForceKillsAfterGracePeriod(t *testing.T) {
	grace := 300 * time.Millisecond
	s := newTestSupervisor(t, `trap "" TERM; while :; do sleep 0.05; done`, grace)

	if _, err := s.EnsureStarted(); err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}
	took := time.Since(start)

	if took < grace {
		t.Errorf("want Stop to wait the full grace period %s, took: %s", grace, took)
	}
	if took > 2*time.Second {
		t.Errorf("want force-kill shortly after the grace period, took: %s", took)
	}
}

func TestStop_ThenEnsureStartedSpawnsFresh(t *testing.T) {
	s := newTestSupervisor(t, `while read line; do echo "$line"; done`, 2*time.Second)

	first, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}
	firstPid := first.Pid()

	if err := s.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	second, err := s.EnsureStarted()
	if err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	if second.Pid() == firstPid {
		t.Errorf("want a fresh worker after Stop, got the same pid: %d", firstPid)
	}
	if !s.Alive() {
		t.Errorf("want Alive: true after restart")
	}
}

func TestAlive(t *testing.T) {
	s := newTestSupervisor(t, `while read line; do echo "$line"; done`, 2*time.Second)

	if s.Alive() {
		t.Errorf("want Alive: false before EnsureStarted")
	}

	if _, err := s.EnsureStarted(); err != nil {
		t.Fatalf("Expected no error, got: %s", err)
	}

	if !s.Alive() {
		t.Errorf("want Alive: true after EnsureStarted")
	}
}
