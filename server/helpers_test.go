package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/scanhub-os/scanhub/server/storage"
	"github.com/scanhub-os/scanhub/server/taskapi"
)

// fakeStore is an in-memory storage.Store recording status updates and
// liveness touches.
type fakeStore struct {
	mu      sync.Mutex
	devices map[string]*storage.Device
	status  map[string][]string
	touched map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: make(map[string]*storage.Device),
		status:  make(map[string][]string),
		touched: make(map[string]time.Time),
	}
}

func (s *fakeStore) addDevice(t *testing.T, id, token string) *storage.Device {
	t.Helper()
	hash, err := storage.HashToken(token)
	require.NoError(t, err)
	dev := &storage.Device{ID: id, Status: "OFFLINE", TokenHash: hash}
	s.mu.Lock()
	s.devices[id] = dev
	s.mu.Unlock()
	return dev
}

func (s *fakeStore) CreateDevice(ctx context.Context, device *storage.Device, token string) error {
	hash, err := storage.HashToken(token)
	if err != nil {
		return err
	}
	device.TokenHash = hash
	s.mu.Lock()
	s.devices[device.ID] = device
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) GetDevice(ctx context.Context, id string) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return nil, storage.ErrDeviceNotFound
	}
	cp := *dev
	return &cp, nil
}

func (s *fakeStore) ListDevices(ctx context.Context) ([]*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpsertDeviceDetails(ctx context.Context, id string, details storage.DeviceDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return storage.ErrDeviceNotFound
	}
	dev.Name = details.Name
	dev.SerialNumber = details.SerialNumber
	dev.Manufacturer = details.Manufacturer
	dev.Modality = details.Modality
	dev.Site = details.Site
	dev.Parameter = details.Parameter
	dev.Status = "ONLINE"
	return nil
}

func (s *fakeStore) UpdateDeviceStatus(ctx context.Context, id string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return storage.ErrDeviceNotFound
	}
	dev.Status = status
	s.status[id] = append(s.status[id], status)
	return nil
}

func (s *fakeStore) TouchDevice(ctx context.Context, id string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return storage.ErrDeviceNotFound
	}
	s.touched[id] = seen
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) statusHistory(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.status[id]))
	copy(out, s.status[id])
	return out
}

func (s *fakeStore) currentStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.devices[id]; ok {
		return dev.Status
	}
	return ""
}

// fakeTaskService records task and result mutations in memory.
type fakeTaskService struct {
	mu      sync.Mutex
	tasks   map[string]*taskapi.Task
	results map[string]taskapi.SetResultRequest
	nextRes int

	getTaskErr error
}

func newFakeTaskService() *fakeTaskService {
	return &fakeTaskService{
		tasks:   make(map[string]*taskapi.Task),
		results: make(map[string]taskapi.SetResultRequest),
	}
}

func (f *fakeTaskService) addTask(task *taskapi.Task) {
	f.mu.Lock()
	f.tasks[task.ID] = task
	f.mu.Unlock()
}

func (f *fakeTaskService) GetTask(ctx context.Context, taskID, accessToken string) (*taskapi.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getTaskErr != nil {
		return nil, f.getTaskErr
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	cp := *task
	return &cp, nil
}

func (f *fakeTaskService) SetTask(ctx context.Context, task *taskapi.Task, accessToken string) (*taskapi.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks[task.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeTaskService) CreateBlankResult(ctx context.Context, taskID, accessToken string) (*taskapi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRes++
	return &taskapi.Result{ID: fmt.Sprintf("res-%d", f.nextRes), TaskID: taskID}, nil
}

func (f *fakeTaskService) SetResult(ctx context.Context, resultID string, req taskapi.SetResultRequest, accessToken string) (*taskapi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[resultID] = req
	return &taskapi.Result{ID: resultID, Type: req.Type, Directory: req.Directory, Files: req.Files}, nil
}

func (f *fakeTaskService) task(id string) *taskapi.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		cp := *t
		return &cp
	}
	return nil
}

func (f *fakeTaskService) result(id string) (taskapi.SetResultRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	return r, ok
}

// testHub boots a DeviceHub over httptest and returns everything a test
// needs to drive it.
type testHub struct {
	hub      *DeviceHub
	store    *fakeStore
	tasks    *fakeTaskService
	registry *SessionRegistry
	server   *httptest.Server
	lakeDir  string
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	store := newFakeStore()
	tasks := newFakeTaskService()
	registry := NewSessionRegistry()
	liveness := NewLivenessMonitor(store)
	lakeDir := t.TempDir()
	hub := NewDeviceHub(store, tasks, registry, liveness, lakeDir)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/start-scan", hub.HandleStartScan)
	mux.HandleFunc("/samples", hub.HandleSamples)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testHub{
		hub:      hub,
		store:    store,
		tasks:    tasks,
		registry: registry,
		server:   server,
		lakeDir:  lakeDir,
	}
}

func (th *testHub) wsURL() string {
	return "ws" + strings.TrimPrefix(th.server.URL, "http") + "/ws"
}

// dial connects a device websocket with the given identity headers.
func (th *testHub) dial(t *testing.T, deviceID, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Device-Id", deviceID)
	header.Set("Device-Token", token)

	conn, resp, err := websocket.DefaultDialer.Dial(th.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFeedback reads frames until a feedback message arrives.
func readFeedback(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe struct {
			Command string `json:"command"`
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(raw, &probe))
		if probe.Command == "feedback" {
			return probe.Message
		}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}
