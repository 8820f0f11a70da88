package ptyengine

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type collectSub struct {
	id string

	mu     sync.Mutex
	events []OutputEvent
	exits  []ExitEvent
}

func (c *collectSub) ID() string { return c.id }

func (c *collectSub) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev := data.(type) {
	case OutputEvent:
		c.events = append(c.events, ev)
	case ExitEvent:
		c.exits = append(c.exits, ev)
	}
	return nil
}

func (c *collectSub) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, ev := range c.events {
		b.Write(ev.Data)
	}
	return b.String()
}

func newTestEngine(t *testing.T) (*Engine, chan ExitEvent) {
	t.Helper()
	exits := make(chan ExitEvent, 4)
	e := New(log.New(io.Discard, "", 0), func(ev ExitEvent) { exits <- ev })
	t.Cleanup(e.Shutdown)
	return e, exits
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func TestStartOutputAndExit(t *testing.T) {
	requireSh(t)
	e, exits := newTestEngine(t)

	err := e.Start("s1", t.TempDir(), []string{"/bin/sh", "-c", "printf pty-marker"}, 80, 24, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-exits:
		if ev.SessionID != "s1" || ev.Status != 0 {
			t.Errorf("exit = %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	// The ring retains output after exit, until Release.
	tail, err := e.Tail("s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var all []byte
	for _, ev := range tail {
		all = append(all, ev.Data...)
	}
	if !strings.Contains(string(all), "pty-marker") {
		t.Errorf("tail = %q", all)
	}
	if e.IsLive("s1") {
		t.Error("session should not be live after exit")
	}

	e.Release("s1")
	if _, err := e.Tail("s1", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("after Release, Tail err = %v", err)
	}
}

func TestSubscriberSeesOrderedOutput(t *testing.T) {
	requireSh(t)
	e, exits := newTestEngine(t)

	err := e.Start("s1", t.TempDir(), []string{"/bin/sh", "-c", "i=0; while [ $i -lt 20 ]; do echo line-$i; i=$((i+1)); done"}, 80, 24, nil)
	if err != nil {
		t.Fatal(err)
	}
	sub := &collectSub{id: "c1"}
	if _, err := e.AttachWithReplay("s1", sub, 0); err != nil {
		t.Fatal(err)
	}

	select {
	case <-exits:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	var last uint64
	for _, ev := range sub.events {
		if ev.Seq <= last {
			t.Fatalf("seq %d after %d: not strictly increasing", ev.Seq, last)
		}
		last = ev.Seq
	}
	if len(sub.exits) != 1 {
		t.Errorf("exit events = %d, want 1", len(sub.exits))
	}
}

func TestWriteReachesChild(t *testing.T) {
	requireSh(t)
	e, exits := newTestEngine(t)

	if err := e.Start("s1", t.TempDir(), []string{"/bin/cat"}, 80, 24, nil); err != nil {
		t.Fatal(err)
	}
	sub := &collectSub{id: "c1"}
	if _, err := e.AttachWithReplay("s1", sub, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.Write("s1", []byte("echo-me\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sub.output(), "echo-me") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(sub.output(), "echo-me") {
		t.Fatalf("output = %q", sub.output())
	}

	if err := e.Kill("s1", syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-exits:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for kill")
	}
}

func TestStartTwiceRejected(t *testing.T) {
	requireSh(t)
	e, _ := newTestEngine(t)
	if err := e.Start("s1", t.TempDir(), []string{"/bin/cat"}, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	err := e.Start("s1", t.TempDir(), []string{"/bin/cat"}, 0, 0, nil)
	if !errors.Is(err, ErrAlreadyLive) {
		t.Errorf("err = %v, want ErrAlreadyLive", err)
	}
	e.Kill("s1", syscall.SIGKILL)
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	requireSh(t)
	e, _ := newTestEngine(t)

	const racers = 8
	start := make(chan struct{})
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- e.Start("s1", t.TempDir(), []string{"/bin/cat"}, 80, 24, nil)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var won, rejected int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyLive):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if rejected != racers-1 {
		t.Errorf("rejections = %d, want %d", rejected, racers-1)
	}
	e.Kill("s1", syscall.SIGKILL)
}

func TestStartFailureRollsBackReservation(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.Start("s1", t.TempDir(), []string{"/no/such/binary"}, 80, 24, nil)
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	// The failed reservation must not block a later start.
	if _, err := e.Tail("s1", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Tail err = %v, want ErrNotFound", err)
	}
	requireSh(t)
	if err := e.Start("s1", t.TempDir(), []string{"/bin/cat"}, 80, 24, nil); err != nil {
		t.Fatalf("restart after failed spawn: %v", err)
	}
	e.Kill("s1", syscall.SIGKILL)
}

func TestWriteBackpressure(t *testing.T) {
	requireSh(t)
	e, _ := newTestEngine(t)

	// A child that never reads stdin, so queued input can only pile up.
	if err := e.Start("s1", t.TempDir(), []string{"/bin/sh", "-c", "exec sleep 30"}, 80, 24, nil); err != nil {
		t.Fatal(err)
	}
	defer e.Kill("s1", syscall.SIGKILL)

	chunk := make([]byte, 64<<10)
	var hit bool
	for i := 0; i < 2*writeBufferLimitBytes/len(chunk); i++ {
		if err := e.Write("s1", chunk); err != nil {
			if !errors.Is(err, ErrBackpressure) {
				t.Fatalf("err = %v, want ErrBackpressure", err)
			}
			hit = true
			break
		}
	}
	if !hit {
		t.Fatal("write queue never pushed back")
	}
}

func TestWriteUnknownSession(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Write("missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResizeAndSize(t *testing.T) {
	requireSh(t)
	e, _ := newTestEngine(t)
	if err := e.Start("s1", t.TempDir(), []string{"/bin/cat"}, 80, 24, nil); err != nil {
		t.Fatal(err)
	}
	defer e.Kill("s1", syscall.SIGKILL)

	if err := e.Resize("s1", 120, 40); err != nil {
		t.Fatal(err)
	}
	cols, rows, err := e.Size("s1")
	if err != nil {
		t.Fatal(err)
	}
	if cols != 120 || rows != 40 {
		t.Errorf("size = %dx%d", cols, rows)
	}
}

func TestFilteredEnvDropsMarkers(t *testing.T) {
	t.Setenv("HARNESS_PROFILE_STATE", "/tmp/x")
	t.Setenv("HARNESS_KEEP_ME", "yes")
	for _, kv := range filteredEnv() {
		if strings.HasPrefix(kv, "HARNESS_PROFILE_STATE=") {
			t.Fatal("denylisted variable leaked")
		}
	}
	var found bool
	for _, kv := range filteredEnv() {
		if kv == "HARNESS_KEEP_ME=yes" {
			found = true
		}
	}
	if !found {
		t.Error("unrelated variable should survive filtering")
	}
}

func TestAttachWithReplayUnknown(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.AttachWithReplay("missing", &collectSub{id: "c"}, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
