package npurt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

func TestInitBackendOpenFailed(t *testing.T) {
	mock := NewMockQueueBackend()
	mock.OpenErr = uapi.NPU_DRV_NO_DEVICE

	dev, err := Init(3, testConfig(8), mock, nil)
	if dev != nil {
		t.Fatal("Init should not return a device on failure")
	}
	if !errors.Is(err, ErrBackendOpenFailed) {
		t.Fatalf("Init error = %v, want BackendOpenFailed", err)
	}
	if dc, ok := DriverCodeOf(err); !ok || dc != uapi.NPU_DRV_NO_DEVICE {
		t.Errorf("driver code = %v, want NPU_DRV_NO_DEVICE", dc)
	}
}

func TestInitRequiresBackend(t *testing.T) {
	if _, err := Init(1, DefaultConfig(), nil, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Init(nil backend) error = %v, want InvalidParameters", err)
	}
}

func TestInitClampsConfig(t *testing.T) {
	mock := NewMockQueueBackend()
	cfg := Config{
		MaxStreamNum:              HardMaxStreamNum * 2,
		MaxStreamDepth:            1,
		TimeoutMonitorGranularity: time.Hour,
	}
	dev, err := Init(1, cfg, mock, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer dev.Close()

	got := dev.Config()
	if got.MaxStreamNum != HardMaxStreamNum {
		t.Errorf("MaxStreamNum = %d, want %d", got.MaxStreamNum, HardMaxStreamNum)
	}
	if got.MaxStreamDepth != 2 {
		t.Errorf("MaxStreamDepth = %d, want 2", got.MaxStreamDepth)
	}
	if got.TimeoutMonitorGranularity != time.Second {
		t.Errorf("TimeoutMonitorGranularity = %v, want 1s", got.TimeoutMonitorGranularity)
	}
	if got.DefaultTaskExeTimeout != DefaultTaskExeTimeout {
		t.Errorf("DefaultTaskExeTimeout = %v, want default", got.DefaultTaskExeTimeout)
	}
	if got.Version == "" {
		t.Error("Version should default")
	}
}

func TestInitFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npu.yaml")
	data := []byte("version: \"2.1\"\nmaxStreamNum: 3\nmaxStreamDepth: 16\ntimeoutMonitorGranularity: 5\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	dev, err := InitFromFile(9, path, NewMockQueueBackend(), nil)
	if err != nil {
		t.Fatalf("InitFromFile failed: %v", err)
	}
	defer dev.Close()

	cfg := dev.Config()
	if cfg.Version != "2.1" || cfg.MaxStreamNum != 3 || cfg.MaxStreamDepth != 16 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.TimeoutMonitorGranularity != 5*time.Millisecond {
		t.Errorf("granularity = %v, want 5ms", cfg.TimeoutMonitorGranularity)
	}

	_, err = InitFromFile(9, filepath.Join(dir, "missing.yaml"), NewMockQueueBackend(), nil)
	if !IsCode(err, ErrCodeConfigInvalid) {
		t.Errorf("missing file error = %v, want ConfigInvalid", err)
	}
	var re *Error
	if errors.As(err, &re) && re.DevID != 9 {
		t.Errorf("error DevID = %d, want 9", re.DevID)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	mock := NewMockQueueBackend()
	dev, err := Init(2, testConfig(8), mock, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !mock.Opened() {
		t.Fatal("backend not opened")
	}
	if dev.State() != DeviceCreated {
		t.Errorf("State() = %v, want created", dev.State())
	}

	for i := 0; i < 2; i++ {
		if err := dev.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}
	if dev.State() != DeviceRunning {
		t.Errorf("State() = %v, want running", dev.State())
	}

	dev.Stop()
	dev.Stop()
	if dev.State() != DeviceStopped {
		t.Errorf("State() = %v, want stopped", dev.State())
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if mock.Opened() {
		t.Error("backend still open after Close")
	}
	if dev.State() != DeviceClosed {
		t.Errorf("State() = %v, want closed", dev.State())
	}
	if err := dev.Start(); !IsCode(err, ErrCodeThreadCreateFailed) {
		t.Errorf("Start after Close error = %v, want ThreadCreateFailed", err)
	}
	if _, err := dev.StreamCreate(nil, StreamOptions{}); !IsCode(err, ErrCodeStreamClosed) {
		t.Errorf("StreamCreate after Close error = %v, want StreamClosed", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestCloseWithOpenStreams(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	h.stream(FailureNormal)

	if err := h.dev.Close(); !IsCode(err, ErrCodeDeviceBusy) {
		t.Errorf("Close error = %v, want DeviceBusy", err)
	}
	if h.dev.State() == DeviceClosed {
		t.Error("device closed with open streams")
	}
}

func TestStreamIdExhaustion(t *testing.T) {
	cfg := testConfig(8)
	cfg.MaxStreamNum = 2
	h := newHarness(t, cfg, nil)

	a := h.stream(FailureNormal)
	b := h.stream(FailureNormal)
	if a.ID() == b.ID() {
		t.Fatal("streams share an id")
	}
	if _, err := h.dev.StreamCreate(nil, StreamOptions{}); !errors.Is(err, ErrNoStreamResources) {
		t.Fatalf("StreamCreate error = %v, want NoStreamResources", err)
	}
	if id := h.dev.AllocStreamId(); id != NoStreamID {
		t.Errorf("AllocStreamId() = %d, want NoStreamID", id)
	}

	if err := a.Destroy(context.Background(), false); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	c := h.stream(FailureNormal)
	if c.ID() != a.ID() {
		t.Errorf("reused id = %d, want %d", c.ID(), a.ID())
	}
}

func TestStreamCreateFailures(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	other := newHarness(t, testConfig(8), nil)

	if _, err := h.dev.StreamCreate(other.dev.NewContext(), StreamOptions{}); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("foreign context error = %v, want InvalidParameters", err)
	}
	if _, err := h.dev.StreamCreate(nil, StreamOptions{FailureMode: FailureMode(9)}); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("bad failure mode error = %v, want InvalidParameters", err)
	}

	h.mock.AllocErr = uapi.NPU_DRV_NO_MEMORY
	if _, err := h.dev.StreamCreate(nil, StreamOptions{}); !IsCode(err, ErrCodeMemoryAllocationFailed) {
		t.Errorf("alloc failure error = %v, want MemoryAllocationFailed", err)
	}
	if h.dev.NumStreams() != 0 {
		t.Errorf("NumStreams() = %d, want 0", h.dev.NumStreams())
	}
	h.mock.AllocErr = nil
	if s := h.stream(FailureNormal); s.ID() != 0 {
		t.Errorf("stream id = %d, want 0 after failed create", s.ID())
	}
}

func TestWakeReconcilerBounded(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	for i := 0; i < 10; i++ {
		h.dev.WakeReconciler()
	}
	if n := len(h.dev.wake); n != 2 {
		t.Errorf("pending wakeups = %d, want 2", n)
	}
}

func TestReconcilerRetiresInBackground(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	if err := h.dev.Start(); err != nil {
		t.Fatal(err)
	}
	s := h.stream(FailureNormal)

	var done atomic.Bool
	task, err := s.SubmitTask(context.Background(), TaskSpec{
		Kind:       KindKernel,
		OnComplete: func(*Task) { done.Store(true) },
	})
	if err != nil {
		t.Fatal(err)
	}
	h.mock.CompleteAll(s.sqID())

	if err := task.Wait(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !done.Load() {
		t.Error("OnComplete did not run before Wait returned")
	}
	if got := h.dev.Metrics().TasksCompleted.Load(); got != 1 {
		t.Errorf("TasksCompleted = %d, want 1", got)
	}
	if h.dev.Metrics().ReconcilerPasses.Load() == 0 {
		t.Error("no reconciler passes recorded")
	}
}

func TestDestroyWaitsForDrain(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	s := h.stream(FailureNormal)
	task := h.submit(s, TaskSpec{Kind: KindMemcpy, Args: []byte("x")})

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.mock.CompleteAll(s.sqID())
	}()
	if err := s.Destroy(context.Background(), false); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if task.State() != TaskCompleted {
		t.Errorf("task state = %v, want completed", task.State())
	}
	if h.mock.HasQueue(s.sqID()) {
		t.Error("queue pair not freed")
	}
	if h.dev.NumStreams() != 0 {
		t.Errorf("NumStreams() = %d, want 0", h.dev.NumStreams())
	}
	if _, err := s.SubmitTask(context.Background(), TaskSpec{}); !IsCode(err, ErrCodeStreamClosed) {
		t.Errorf("submit after destroy error = %v, want StreamClosed", err)
	}
	if err := s.Destroy(context.Background(), false); err != nil {
		t.Errorf("second Destroy failed: %v", err)
	}
}

func TestDestroyTimeoutKeepsResources(t *testing.T) {
	cfg := testConfig(8)
	cfg.DefaultTaskExeTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, nil)
	s := h.stream(FailureNormal)
	h.submit(s, TaskSpec{Kind: KindMemcpy, Args: []byte("x")})

	err := s.Destroy(context.Background(), false)
	if !IsCode(err, ErrCodeStreamSyncTimeout) {
		t.Fatalf("Destroy error = %v, want StreamSyncTimeout", err)
	}
	if !h.mock.HasQueue(s.sqID()) {
		t.Error("queue pair freed while hardware still owns entries")
	}
	if h.dev.args.Stats().InUse != 1 {
		t.Error("argument buffer released while hardware still owns it")
	}

	if err := s.Destroy(context.Background(), true); err != nil {
		t.Fatalf("forced Destroy failed: %v", err)
	}
	if h.mock.HasQueue(s.sqID()) {
		t.Error("queue pair not freed after forced destroy")
	}
}

func TestForceDestroyFlushesTasks(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	s := h.stream(FailureStopOnFirst)

	var calls atomic.Int32
	var tasks []*Task
	for i := 0; i < 3; i++ {
		tasks = append(tasks, h.submit(s, TaskSpec{Kind: KindKernel, Cleanup: func() { calls.Add(1) }}))
	}

	if err := s.Destroy(context.Background(), true); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if h.mock.Calls().Quit != 1 {
		t.Errorf("quit requests = %d, want 1", h.mock.Calls().Quit)
	}
	for _, task := range tasks {
		if !IsCode(task.Err(), ErrCodeContextAborted) {
			t.Errorf("task %d error = %v, want ContextAborted", task.Sequence(), task.Err())
		}
	}
	if calls.Load() != 3 {
		t.Errorf("cleanups = %d, want 3", calls.Load())
	}
	if h.dev.DefaultContext().Aborted() {
		t.Error("quit flush must not abort the context")
	}
}

func TestDestroyAbandonsSendFailedTask(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	s := h.stream(FailureNormal)

	h.mock.FailPush(1, uapi.NPU_DRV_DEVICE_BUSY)
	task, _ := s.SubmitTask(context.Background(), TaskSpec{Kind: KindNop})
	if task == nil {
		t.Fatal("expected send-failed task")
	}
	if err := s.Destroy(context.Background(), false); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if task.State() != TaskAbandoned {
		t.Errorf("task state = %v, want abandoned", task.State())
	}
}

func TestDeviceInfo(t *testing.T) {
	h := newHarness(t, testConfig(8), nil)
	a := h.stream(FailureNormal)
	b := h.stream(FailureAbortAll)

	info := h.dev.Info()
	if info.ID != 7 || info.State != DeviceCreated {
		t.Errorf("unexpected info %+v", info)
	}
	if len(info.Streams) != 2 || info.Streams[0] != a.ID() || info.Streams[1] != b.ID() {
		t.Errorf("Streams = %v", info.Streams)
	}
	if got, ok := h.dev.Stream(b.ID()); !ok || got != b {
		t.Error("Stream lookup failed")
	}
	if b.FailureMode() != FailureAbortAll {
		t.Errorf("FailureMode() = %v", b.FailureMode())
	}
	if a.Depth() != 8 {
		t.Errorf("Depth() = %d, want 8", a.Depth())
	}
	st, err := a.HardwareState()
	if err != nil || !st.Running {
		t.Errorf("HardwareState() = %+v, %v", st, err)
	}
}
