package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
	"github.com/nmasdoufi/cmdbscan/pkg/scan"
)

type staticLoader struct {
	cfg config.ScanConfig
	err error
}

func (l staticLoader) Load() (config.ScanConfig, error) { return l.cfg, l.err }

type blockingRunner struct {
	mu      sync.Mutex
	running int
	max     int
	runs    []config.ScanConfig
	release chan struct{}
}

func (r *blockingRunner) Run(_ context.Context, cfg config.ScanConfig) scan.Summary {
	r.mu.Lock()
	r.running++
	r.max = max(r.max, r.running)
	r.runs = append(r.runs, cfg)
	r.mu.Unlock()
	<-r.release
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	return scan.Summary{Mode: cfg.Mode, Hosts: 1}
}

var basic = config.ScanConfig{Networks: []string{"10.0.0.0/24"}, Mode: config.ModeBasic}

func TestTriggerReturnsBeforeRunCompletes(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	q := NewQueue(staticLoader{cfg: basic}, runner, 0, nil)
	q.Start(context.Background())

	ack, err := q.Trigger()
	if err != nil || !ack.Result || ack.JobID == "" || ack.Message != "scan job accepted" {
		t.Fatalf("ack=%+v err=%v", ack, err)
	}
	close(runner.release)
	q.Stop()
	if len(runner.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runner.runs))
	}
}

func TestJobLogsCarryJobID(t *testing.T) {
	var buf bytes.Buffer
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	q := NewQueue(staticLoader{cfg: basic}, runner, 1, logging.NewWriter(&buf, logging.LevelInfo, "json"))
	q.Start(context.Background())
	ack, err := q.Trigger()
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	q.Stop()

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("decode %s: %v", line, err)
		}
		if entry["msg"] == "scan job finished" {
			found = true
			if entry["job_id"] != ack.JobID {
				t.Fatalf("finished entry without job id: %v", entry)
			}
		}
	}
	if !found {
		t.Fatalf("no finished entry in %s", buf.String())
	}
}

func TestInvalidConfigIsNotEnqueued(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	loadErr := errors.Join(config.ErrInvalidScanConfig, errors.New("open scan_config.yml: no such file"))
	for _, loader := range []staticLoader{
		{err: loadErr},
		{cfg: config.ScanConfig{Mode: config.ModeBasic}},
		{cfg: config.ScanConfig{Networks: []string{"10.0.0.0/24"}, Mode: config.ModeOSAware}},
	} {
		q := NewQueue(loader, runner, 1, nil)
		ack, err := q.Trigger()
		if !errors.Is(err, config.ErrInvalidScanConfig) || ack.Result || ack.Message == "" {
			t.Fatalf("ack=%+v err=%v", ack, err)
		}
		if len(q.jobs) != 0 {
			t.Fatalf("invalid config was enqueued")
		}
	}
}

func TestJobsRunOneAtATime(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	q := NewQueue(staticLoader{cfg: basic}, runner, 2, nil)
	var mu sync.Mutex
	var finished []string
	q.OnDone(func(j Job, _ scan.Summary) {
		mu.Lock()
		finished = append(finished, j.ID)
		mu.Unlock()
	})
	q.Start(context.Background())

	var ids []string
	for i := 0; i < 3; i++ {
		ack, err := q.Trigger()
		if err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		ids = append(ids, ack.JobID)
		if i == 0 {
			waitRunning(t, runner)
		}
	}
	if _, err := q.Trigger(); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(runner.release)
	q.Stop()

	if runner.max != 1 {
		t.Fatalf("%d jobs ran concurrently", runner.max)
	}
	if len(finished) != 3 || finished[0] != ids[0] || finished[2] != ids[2] {
		t.Fatalf("finished %v, triggered %v", finished, ids)
	}
	if _, err := q.Trigger(); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func waitRunning(t *testing.T, r *blockingRunner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := r.running
		r.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never started")
}
