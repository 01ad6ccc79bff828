package client

import (
	"fmt"
	"sync"

	"github.com/scanhub-os/scanhub/common/logger"
	"github.com/scanhub-os/scanhub/common/ws"
)

// StatusSender propagates status updates to the server. Implemented by the
// websocket Handler; tests substitute a recording fake.
type StatusSender interface {
	SendJSON(v interface{}) error
}

// StatusContext carries the optional metadata attached to a status message:
// progress, error detail, and the task the update belongs to.
type StatusContext struct {
	Progress        *int
	ErrorMessage    string
	TaskID          string
	UserAccessToken string
}

// validTransitions is the legal lifecycle transition table.
var validTransitions = map[ws.DeviceStatus][]ws.DeviceStatus{
	ws.StatusOffline: {ws.StatusOnline},
	ws.StatusOnline:  {ws.StatusBusy, ws.StatusOffline},
	ws.StatusBusy:    {ws.StatusOnline, ws.StatusError, ws.StatusOffline},
	ws.StatusError:   {ws.StatusOnline, ws.StatusOffline},
}

// StateMachine manages and validates device lifecycle transitions and
// synchronizes them with the server. All transitions and context updates are
// serialized under one lock so concurrent callers can never interleave or
// reorder the outbound status stream for a device.
type StateMachine struct {
	mu     sync.Mutex
	state  ws.DeviceStatus
	sender StatusSender
	log    *logger.Logger
}

// NewStateMachine creates a state machine in the initial OFFLINE state.
func NewStateMachine(sender StatusSender, log *logger.Logger) *StateMachine {
	return &StateMachine{
		state:  ws.StatusOffline,
		sender: sender,
		log:    log,
	}
}

// State returns the current device state.
func (m *StateMachine) State() ws.DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition performs a validated state transition and propagates it to the
// server. An illegal transition returns ErrInvalidStateTransition and leaves
// the state untouched. Propagation failure is logged and suppressed: local
// state stays authoritative and the next successful send re-syncs the peer.
func (m *StateMachine) Transition(newState ws.DeviceStatus, sctx StatusContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isValidTransition(newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, m.state, newState)
	}

	m.state = newState
	m.sendStatus(newState, sctx)
	m.log.Info("Device state transitioned", "state", string(newState))
	return nil
}

// UpdateContext re-sends the current state with updated contextual data
// (e.g. progress) without changing state. Serialized under the same lock as
// Transition to keep the outbound status stream strictly ordered.
func (m *StateMachine) UpdateContext(sctx StatusContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendStatus(m.state, sctx)
	m.log.Debug("Device context updated", "state", string(m.state), "task_id", sctx.TaskID)
}

func (m *StateMachine) isValidTransition(newState ws.DeviceStatus) bool {
	for _, next := range validTransitions[m.state] {
		if next == newState {
			return true
		}
	}
	return false
}

// sendStatus propagates state/context to the server. Callers hold m.mu, so
// status messages leave in transition order.
func (m *StateMachine) sendStatus(status ws.DeviceStatus, sctx StatusContext) {
	data := ws.StatusData{
		Progress:     sctx.Progress,
		ErrorMessage: sctx.ErrorMessage,
	}
	msg := ws.NewStatusUpdate(status, data, sctx.TaskID, sctx.UserAccessToken)
	if err := m.sender.SendJSON(msg); err != nil {
		// Don't fail the transition because of a temporary socket issue.
		m.log.Warn("Suppressed status send failure", "state", string(status), "error", err)
	}
}
