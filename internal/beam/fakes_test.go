package beam

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/caststream/internal/adapters"
	"go2tv.app/caststream/internal/castsession"
	"go2tv.app/caststream/internal/diagnostics"
	"go2tv.app/caststream/internal/domain"
)

type fakeFinder struct {
	devices []domain.DeviceRecord
	err     error

	listTimeouts []time.Duration
}

func (f *fakeFinder) FindDevice(_ context.Context, name string) (domain.DeviceRecord, error) {
	if f.err != nil {
		return domain.DeviceRecord{}, f.err
	}
	for _, device := range f.devices {
		if name == "" || strings.EqualFold(device.Name, name) || device.Address == name {
			return device, nil
		}
	}
	return domain.DeviceRecord{}, domain.NewError(domain.CodeDiscoveryFailure, "device not found: "+name)
}

func (f *fakeFinder) ListDevices(_ context.Context, timeout time.Duration) ([]domain.DeviceRecord, error) {
	f.listTimeouts = append(f.listTimeouts, timeout)
	return append([]domain.DeviceRecord{}, f.devices...), f.err
}

type fakeCastFactory struct {
	controller *fakeController

	mu        sync.Mutex
	addresses []string
}

func (f *fakeCastFactory) NewController(address string) adapters.CastController {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses = append(f.addresses, address)
	return f.controller
}

type fakeController struct {
	mu sync.Mutex

	loadErrs  []error
	statusErr error
	status    castsession.Status
	idle      []bool
	idleErr   error
	stopErr   error

	loads      []castsession.LoadRequest
	loadCalls  int
	pauseCalls int
	playCalls  int
	stopCalls  int
	idleCalls  int
	volumes    []string
}

func newFakeController() *fakeController {
	return &fakeController{
		status: castsession.Status{Host: "192.168.1.50", LocalAddr: "192.168.1.20:51234"},
	}
}

func (f *fakeController) Load(_ context.Context, req castsession.LoadRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	f.loads = append(f.loads, req)
	if len(f.loadErrs) > 0 {
		err := f.loadErrs[0]
		f.loadErrs = f.loadErrs[1:]
		return err
	}
	return nil
}

func (f *fakeController) Control(context.Context, string, map[string]any) error {
	return nil
}

func (f *fakeController) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeController) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeController) Status(context.Context) (castsession.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

// IsIdle replays the idle sequence and repeats its last value.
func (f *fakeController) IsIdle(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleCalls++
	if f.idleErr != nil {
		return false, f.idleErr
	}
	if len(f.idle) == 0 {
		return false, nil
	}
	idle := f.idle[0]
	if len(f.idle) > 1 {
		f.idle = f.idle[1:]
	}
	return idle, nil
}

func (f *fakeController) SetVolume(_ context.Context, level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, level)
	return nil
}

func (f *fakeController) counts() (loads, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls, f.stopCalls
}

type fakeServerFactory struct {
	mu      sync.Mutex
	servers []*fakeServer
}

func (f *fakeServerFactory) New(addr string) adapters.MediaServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeServer{addr: addr, handlers: map[string]fakeHandler{}}
	f.servers = append(f.servers, s)
	return s
}

type fakeHandler struct {
	transcode *utils.TranscodeOptions
	media     any
}

type fakeServer struct {
	mu          sync.Mutex
	addr        string
	handlers    map[string]fakeHandler
	startCalled bool
	stopCalled  bool
}

func (f *fakeServer) AddHandler(path string, _ *soapcalls.TVPayload, transcode *utils.TranscodeOptions, media any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = fakeHandler{transcode: transcode, media: media}
}

func (f *fakeServer) StartServing(serverStarted chan<- error) {
	f.mu.Lock()
	f.startCalled = true
	f.mu.Unlock()
	serverStarted <- nil
}

func (f *fakeServer) StopServer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalled = true
}

func (f *fakeServer) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalled
}

type testRig struct {
	manager    *Manager
	finder     *fakeFinder
	controller *fakeController
	servers    *fakeServerFactory
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	finder := &fakeFinder{devices: []domain.DeviceRecord{{
		ID:      "dev_1",
		Name:    "Living Room",
		Address: "192.168.1.50",
	}}}
	controller := newFakeController()
	servers := &fakeServerFactory{}

	manager := NewManager(finder, &fakeCastFactory{controller: controller}, servers, Settings{}, nil)
	manager.freePort = func(string) (int, error) { return 3500, nil }
	manager.fallbackListenAddress = func(string) (string, error) { return "10.0.0.5:4000", nil }
	manager.findTranscoder = func(string) (diagnostics.Transcoder, error) {
		return diagnostics.Transcoder{}, diagnostics.ErrNoTranscoder
	}
	manager.idlePollEvery = 5 * time.Millisecond
	manager.retryBaseBackoff = time.Millisecond
	manager.retryMaxBackoff = 2 * time.Millisecond
	manager.headClient.RetryMax = 0
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	return &testRig{manager: manager, finder: finder, controller: controller, servers: servers}
}

func (r *testRig) onlyServer(t *testing.T) *fakeServer {
	t.Helper()
	r.servers.mu.Lock()
	defer r.servers.mu.Unlock()
	if len(r.servers.servers) != 1 {
		t.Fatalf("expected one media server, got %d", len(r.servers.servers))
	}
	return r.servers.servers[0]
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !domain.HasCode(err, code) {
		var de *domain.Error
		if errors.As(err, &de) {
			t.Fatalf("expected %s, got %s (%s)", code, de.Code, de.Message)
		}
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
