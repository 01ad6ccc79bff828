package ws

import (
	"encoding/json"
	"fmt"
)

// Command tags carried in the "command" field of every control frame.
const (
	CommandRegister     = "register"
	CommandPing         = "ping"
	CommandPong         = "pong"
	CommandUpdateStatus = "update_status"
	CommandFileTransfer = "file-transfer"
	CommandStart        = "start"
	CommandFeedback     = "feedback"
)

// DeviceStatus is the device lifecycle state carried on the wire.
type DeviceStatus string

const (
	StatusOffline DeviceStatus = "OFFLINE"
	StatusOnline  DeviceStatus = "ONLINE"
	StatusBusy    DeviceStatus = "BUSY"
	StatusError   DeviceStatus = "ERROR"
)

// Valid reports whether s is one of the known device states.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusBusy, StatusError:
		return true
	}
	return false
}

// DeviceDetails is the registration payload describing one acquisition device.
type DeviceDetails struct {
	Name         string                 `json:"name"`
	SerialNumber string                 `json:"serial_number"`
	Manufacturer string                 `json:"manufacturer"`
	Modality     string                 `json:"modality"`
	Site         string                 `json:"site"`
	Status       DeviceStatus           `json:"status,omitempty"`
	Parameter    map[string]interface{} `json:"parameter,omitempty"`
}

// AcquisitionPayload is the body of a start command: the task plus everything
// the device needs to execute it.
type AcquisitionPayload struct {
	ID              string                 `json:"id"`
	DeviceID        string                 `json:"device_id,omitempty"`
	SequenceID      string                 `json:"sequence_id,omitempty"`
	Sequence        json.RawMessage        `json:"sequence,omitempty"`
	MRDHeader       string                 `json:"mrd_header,omitempty"`
	AccessToken     string                 `json:"access_token"`
	DeviceParameter map[string]interface{} `json:"device_parameter,omitempty"`
}

// StatusData is the contextual payload of a status update.
type StatusData struct {
	Progress     *int   `json:"progress,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Message is implemented by every decoded control frame variant.
type Message interface {
	Cmd() string
}

// Register is sent by a device to upsert its details after connecting.
type Register struct {
	Command string        `json:"command"`
	Data    DeviceDetails `json:"data"`
}

// Ping is the device-side application-level liveness probe.
type Ping struct {
	Command string `json:"command"`
}

// Pong answers a Ping.
type Pong struct {
	Command string `json:"command"`
}

// StatusUpdate reports a device state (and optionally task progress) to the server.
type StatusUpdate struct {
	Command         string       `json:"command"`
	Status          DeviceStatus `json:"status"`
	Data            StatusData   `json:"data"`
	TaskID          string       `json:"task_id,omitempty"`
	UserAccessToken string       `json:"user_access_token,omitempty"`
}

// FileTransferHeader announces a chunked binary upload. The binary frames
// that follow it carry exactly SizeBytes bytes of payload.
type FileTransferHeader struct {
	Command         string                 `json:"command"`
	TaskID          string                 `json:"task_id"`
	UserAccessToken string                 `json:"user_access_token"`
	Filename        string                 `json:"filename"`
	SizeBytes       int64                  `json:"size_bytes"`
	ContentType     string                 `json:"content_type"`
	SHA256          string                 `json:"sha256,omitempty"`
	DeviceParameter map[string]interface{} `json:"device_parameter,omitempty"`
}

// Start instructs a device to begin an acquisition.
type Start struct {
	Command string             `json:"command"`
	Data    AcquisitionPayload `json:"data"`
}

// Feedback is a human-readable response to any device-originated operation.
type Feedback struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Unknown is returned by Decode for command tags this build does not know.
// The dispatcher answers it with feedback instead of closing the connection.
type Unknown struct {
	Command string `json:"command"`
}

func (m Register) Cmd() string           { return CommandRegister }
func (m Ping) Cmd() string               { return CommandPing }
func (m Pong) Cmd() string               { return CommandPong }
func (m StatusUpdate) Cmd() string       { return CommandUpdateStatus }
func (m FileTransferHeader) Cmd() string { return CommandFileTransfer }
func (m Start) Cmd() string              { return CommandStart }
func (m Feedback) Cmd() string           { return CommandFeedback }
func (m Unknown) Cmd() string            { return m.Command }

// NewRegister builds a tagged register message.
func NewRegister(details DeviceDetails) Register {
	return Register{Command: CommandRegister, Data: details}
}

// NewPing builds a tagged ping message.
func NewPing() Ping {
	return Ping{Command: CommandPing}
}

// NewPong builds a tagged pong message.
func NewPong() Pong {
	return Pong{Command: CommandPong}
}

// NewStatusUpdate builds a tagged status update.
func NewStatusUpdate(status DeviceStatus, data StatusData, taskID, token string) StatusUpdate {
	return StatusUpdate{
		Command:         CommandUpdateStatus,
		Status:          status,
		Data:            data,
		TaskID:          taskID,
		UserAccessToken: token,
	}
}

// NewStart builds a tagged start command.
func NewStart(payload AcquisitionPayload) Start {
	return Start{Command: CommandStart, Data: payload}
}

// NewFeedback builds a tagged feedback message.
func NewFeedback(format string, args ...interface{}) Feedback {
	return Feedback{Command: CommandFeedback, Message: fmt.Sprintf(format, args...)}
}

// Decode parses a raw text frame into its typed command variant. Malformed
// JSON and a missing command tag are errors. An unrecognized tag is not an
// error: it decodes to Unknown so the caller can answer with feedback.
func Decode(raw []byte) (Message, error) {
	var tag struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if tag.Command == "" {
		return nil, fmt.Errorf("invalid message: missing command")
	}

	switch tag.Command {
	case CommandRegister:
		var m Register
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", tag.Command, err)
		}
		return m, nil
	case CommandPing:
		return NewPing(), nil
	case CommandPong:
		return NewPong(), nil
	case CommandUpdateStatus:
		var m StatusUpdate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", tag.Command, err)
		}
		return m, nil
	case CommandFileTransfer:
		var m FileTransferHeader
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", tag.Command, err)
		}
		return m, nil
	case CommandStart:
		var m Start
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", tag.Command, err)
		}
		return m, nil
	case CommandFeedback:
		var m Feedback
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", tag.Command, err)
		}
		return m, nil
	default:
		return Unknown{Command: tag.Command}, nil
	}
}
