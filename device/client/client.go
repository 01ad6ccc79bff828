// Package client implements the device-side SDK: a persistent authenticated
// websocket session to the ScanHub server, lifecycle state management, scan
// task execution, and queued result uploads.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/scanhub-os/scanhub/common/logger"
	"github.com/scanhub-os/scanhub/common/ws"
)

// Transport is the connection surface the client drives. *Handler is the
// production implementation.
type Transport interface {
	Connect() error
	Receive() (int, []byte, error)
	SendJSON(v interface{}) error
	SendBinary(b []byte) error
	Close() error
}

// ScanCallback executes one acquisition. It must observe ctx at well-defined
// points; cancellation is cooperative. Returning ctx.Err() marks the scan
// cancelled, any other error marks it failed.
type ScanCallback func(ctx context.Context, payload ws.AcquisitionPayload) error

// Client manages the device side of a ScanHub session: registration, command
// dispatch, heartbeats, scan tasks, and uploads.
type Client struct {
	transport      Transport
	details        ws.DeviceDetails
	log            *logger.Logger
	reconnectDelay time.Duration
	pingInterval   time.Duration

	states   *StateMachine
	uploader *Uploader

	feedbackHandler func(message string)
	errorHandler    func(message string)
	scanCallback    ScanCallback

	// taskMu guards the active-task set; per-device state itself is guarded
	// inside the state machine.
	taskMu      sync.Mutex
	activeTasks map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts client construction.
type Option func(*Client)

// WithReconnectDelay overrides the fixed delay before reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithPingInterval overrides the heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// New creates a device client over the given transport.
func New(transport Transport, details ws.DeviceDetails, log *logger.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:      transport,
		details:        details,
		log:            log,
		reconnectDelay: 5 * time.Second,
		pingInterval:   15 * time.Second,
		activeTasks:    make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.states = NewStateMachine(transport, log)
	c.uploader = NewUploader(transport, c.states, log)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current device lifecycle state.
func (c *Client) State() ws.DeviceStatus {
	return c.states.State()
}

// SetFeedbackHandler registers a callback for server feedback messages.
func (c *Client) SetFeedbackHandler(h func(message string)) { c.feedbackHandler = h }

// SetErrorHandler registers a callback for unrecognized or error messages.
func (c *Client) SetErrorHandler(h func(message string)) { c.errorHandler = h }

// SetScanCallback registers the acquisition entry point invoked on start commands.
func (c *Client) SetScanCallback(cb ScanCallback) { c.scanCallback = cb }

// Start connects, registers the device, and launches the receive loop,
// heartbeat loop, and upload worker.
func (c *Client) Start() error {
	if err := c.connectAndRegister(); err != nil {
		return err
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.listen()
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeat()
	}()
	go func() {
		defer c.wg.Done()
		c.uploader.Run(c.ctx)
	}()

	return nil
}

// Stop cancels all active scan tasks cooperatively, transitions the device to
// OFFLINE, and only then closes the transport, so the final status message
// has a chance to be delivered before the socket closes.
func (c *Client) Stop() error {
	c.taskMu.Lock()
	for id, cancel := range c.activeTasks {
		c.log.Info("Cancelling scan task", "task_id", id)
		cancel()
	}
	c.taskMu.Unlock()

	if err := c.states.Transition(ws.StatusOffline, StatusContext{}); err != nil {
		c.log.Warn("Offline transition on stop failed", "error", err)
	}

	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	c.log.Info("Device client stopped")
	return err
}

// connectAndRegister establishes the transport, moves the device ONLINE, and
// sends its registration details.
func (c *Client) connectAndRegister() error {
	if err := c.transport.Connect(); err != nil {
		return err
	}
	if err := c.states.Transition(ws.StatusOnline, StatusContext{}); err != nil {
		// Already ONLINE after a quick reconnect; registration still proceeds.
		c.log.Debug("Online transition skipped", "error", err)
	}
	if err := c.transport.SendJSON(ws.NewRegister(c.details)); err != nil {
		return err
	}
	c.log.Info("Device registration sent", "name", c.details.Name)
	return nil
}

// listen is the transport-owning receive loop: it dispatches inbound commands
// and is the single reconnect trigger when the connection drops.
func (c *Client) listen() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		mt, raw, err := c.transport.Receive()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("Connection lost, attempting to reconnect", "error", err)
			c.reconnect()
			continue
		}

		if mt != ws.TextMessage {
			continue // binary frames are never expected server->device
		}

		msg, err := ws.Decode(raw)
		if err != nil {
			c.log.Error("Received invalid message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case ws.Start:
			c.handleStart(m.Data)
		case ws.Feedback:
			if c.feedbackHandler != nil {
				c.feedbackHandler(m.Message)
			} else {
				c.log.Info("Feedback received from server", "message", m.Message)
			}
		case ws.Pong:
			c.log.Debug("Pong received")
		default:
			if c.errorHandler != nil {
				c.errorHandler(string(raw))
			} else {
				c.log.Info("Unhandled message from server", "raw", string(raw))
			}
		}
	}
}

// reconnect waits the fixed delay, then re-establishes the transport and
// re-registers. On failure the receive loop will land here again.
func (c *Client) reconnect() {
	select {
	case <-c.ctx.Done():
		return
	case <-time.After(c.reconnectDelay):
	}

	if err := c.connectAndRegister(); err != nil {
		c.log.Warn("Reconnect failed", "error", err)
	}
}

// heartbeat periodically sends an application-level ping so the server can
// track last-seen liveness above the transport's own keepalive. Send failures
// are best-effort: logged and left for the receive loop to resolve.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.transport.SendJSON(ws.NewPing()); err != nil {
				c.log.Warn("Heartbeat send failed", "error", err)
				continue
			}
			c.log.Debug("Ping sent")
		}
	}
}

// handleStart launches at most one scan task per task identifier. A duplicate
// start for an in-flight id is a no-op with a warning, not an error.
func (c *Client) handleStart(payload ws.AcquisitionPayload) {
	if c.scanCallback == nil {
		c.log.Error("Scan callback not defined")
		if err := c.states.Transition(ws.StatusError, StatusContext{
			ErrorMessage:    "Scan callback not defined.",
			TaskID:          payload.ID,
			UserAccessToken: payload.AccessToken,
		}); err != nil {
			c.log.Warn("Could not report missing scan callback", "error", err)
		}
		return
	}

	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	if _, running := c.activeTasks[payload.ID]; running {
		c.log.Warn("Scan already running for task", "task_id", payload.ID)
		return
	}

	taskCtx, cancel := context.WithCancel(c.ctx)
	c.activeTasks[payload.ID] = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runScanTask(taskCtx, payload)
	}()
}

// runScanTask executes one scan and manages its lifecycle: BUSY on entry,
// through ERROR on failure or cancellation, and ONLINE at the end in every
// case. The task is removed from the active set under the task lock exactly once.
func (c *Client) runScanTask(ctx context.Context, payload ws.AcquisitionPayload) {
	defer func() {
		c.taskMu.Lock()
		delete(c.activeTasks, payload.ID)
		c.taskMu.Unlock()

		if err := c.states.Transition(ws.StatusOnline, StatusContext{}); err != nil {
			c.log.Warn("Could not return to online after scan", "task_id", payload.ID, "error", err)
		}
	}()

	progress := 0
	if err := c.states.Transition(ws.StatusBusy, StatusContext{
		Progress:        &progress,
		TaskID:          payload.ID,
		UserAccessToken: payload.AccessToken,
	}); err != nil {
		c.log.Error("Could not start scan task", "task_id", payload.ID, "error", err)
		return
	}

	err := c.scanCallback(ctx, payload)
	switch {
	case err == nil:
		c.log.Info("Scan task completed successfully", "task_id", payload.ID)
	case errors.Is(err, context.Canceled):
		c.log.Warn("Scan task cancelled", "task_id", payload.ID)
		c.reportScanError(payload, "Scan cancelled")
	default:
		c.log.Error("Scan task failed", "task_id", payload.ID, "error", err)
		c.reportScanError(payload, err.Error())
	}
}

func (c *Client) reportScanError(payload ws.AcquisitionPayload, message string) {
	if err := c.states.Transition(ws.StatusError, StatusContext{
		ErrorMessage:    message,
		TaskID:          payload.ID,
		UserAccessToken: payload.AccessToken,
	}); err != nil {
		c.log.Warn("Could not report scan error", "task_id", payload.ID, "error", err)
	}
}

// CancelScan cooperatively cancels an active scan task.
func (c *Client) CancelScan(taskID string) {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	if cancel, ok := c.activeTasks[taskID]; ok {
		cancel()
		c.log.Info("Cancelled scan task", "task_id", taskID)
	}
}

// ActiveTaskCount returns the number of scans currently in flight.
func (c *Client) ActiveTaskCount() int {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	return len(c.activeTasks)
}

// SendScanningStatus reports scan progress from inside a scan callback
// without changing the device state.
func (c *Client) SendScanningStatus(progress int, taskID, userAccessToken string) {
	c.states.UpdateContext(StatusContext{
		Progress:        &progress,
		TaskID:          taskID,
		UserAccessToken: userAccessToken,
	})
}

// UploadFileResult queues a result file for background upload to the server.
func (c *Client) UploadFileResult(filePath, name string, parameter map[string]interface{}, taskID, userAccessToken string) error {
	return c.uploader.Enqueue(UploadJob{
		FilePath:        filePath,
		Name:            name,
		Parameter:       parameter,
		TaskID:          taskID,
		UserAccessToken: userAccessToken,
	})
}
