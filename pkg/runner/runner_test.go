package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) withPrefix(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []string
	for _, entry := range l.entries {
		if strings.HasPrefix(entry, prefix) {
			matched = append(matched, entry)
		}
	}
	return matched
}

type fakeService struct {
	name     string
	log      *eventLog
	startErr error
	stopErr  error
	stopWait time.Duration
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.log.add("start:" + s.name)
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	if s.stopWait > 0 {
		// Deliberately ignores the shutdown context.
		time.Sleep(s.stopWait)
	}
	if s.stopErr != nil {
		return s.stopErr
	}
	s.log.add("stop:" + s.name)
	return nil
}

type checkedService struct {
	*fakeService
	health error
}

func (s *checkedService) HealthCheck(ctx context.Context) error {
	return s.health
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func runAsync(r *Runner, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx)
	}()
	return errCh
}

func awaitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
		return nil
	}
}

func TestRunnerStartsInOrderAndStopsAll(t *testing.T) {
	log := &eventLog{}
	services := []Service{
		&fakeService{name: "store", log: log},
		&fakeService{name: "bus", log: log},
		&fakeService{name: "server", log: log},
	}

	r := New(services, WithShutdownTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := runAsync(r, ctx)
	waitFor(t, func() bool { return len(log.withPrefix("start:")) == 3 })
	cancel()

	if err := awaitRun(t, errCh); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	starts := log.withPrefix("start:")
	expected := []string{"start:store", "start:bus", "start:server"}
	for i, want := range expected {
		if starts[i] != want {
			t.Fatalf("expected start order %v, got %v", expected, starts)
		}
	}

	stops := log.withPrefix("stop:")
	if len(stops) != 3 {
		t.Fatalf("expected all three services stopped, got %v", stops)
	}
}

func TestRunnerStartFailureUnwindsStarted(t *testing.T) {
	log := &eventLog{}
	store := &fakeService{name: "store", log: log}
	bus := &fakeService{name: "bus", log: log, startErr: errors.New("port taken")}
	server := &fakeService{name: "server", log: log}

	r := New([]Service{store, bus, server}, WithShutdownTimeout(time.Second))
	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when a service cannot start")
	}
	if !strings.Contains(err.Error(), "start service bus") {
		t.Fatalf("expected the failing service in the error, got %v", err)
	}

	if len(log.withPrefix("start:server")) != 0 {
		t.Fatal("expected later services to stay unstarted")
	}
	if len(log.withPrefix("stop:store")) != 1 {
		t.Fatal("expected already-started services to be stopped")
	}
}

func TestRunnerStopErrorsSurface(t *testing.T) {
	log := &eventLog{}
	store := &fakeService{name: "store", log: log}
	bus := &fakeService{name: "bus", log: log, stopErr: errors.New("drain failed")}

	r := New([]Service{store, bus}, WithShutdownTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := runAsync(r, ctx)
	waitFor(t, func() bool { return len(log.withPrefix("start:")) == 2 })
	cancel()

	err := awaitRun(t, errCh)
	if err == nil {
		t.Fatal("expected stop errors to surface from Run")
	}
	if !strings.Contains(err.Error(), "stop bus") {
		t.Fatalf("expected the failing stop in the error, got %v", err)
	}
	if len(log.withPrefix("stop:store")) != 1 {
		t.Fatal("expected healthy services to stop despite the failure")
	}
}

func TestRunnerShutdownTimeout(t *testing.T) {
	log := &eventLog{}
	slow := &fakeService{name: "slow", log: log, stopWait: 500 * time.Millisecond}

	r := New([]Service{slow}, WithShutdownTimeout(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := runAsync(r, ctx)
	waitFor(t, func() bool { return len(log.withPrefix("start:")) == 1 })
	cancel()

	err := awaitRun(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "shutdown timeout exceeded") {
		t.Fatalf("expected shutdown timeout error, got %v", err)
	}
}

func TestRunnerHealthCheck(t *testing.T) {
	log := &eventLog{}
	healthy := &checkedService{fakeService: &fakeService{name: "store", log: log}}
	plain := &fakeService{name: "plain", log: log}

	r := New([]Service{healthy, plain})
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy runner, got %v", err)
	}

	sick := &checkedService{
		fakeService: &fakeService{name: "bus", log: log},
		health:      errors.New("disconnected"),
	}
	r = New([]Service{healthy, sick})
	err := r.HealthCheck(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bus unhealthy") {
		t.Fatalf("expected the sick service in the error, got %v", err)
	}
}
