package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scanhub-os/scanhub/common/logger"
	"github.com/scanhub-os/scanhub/common/ws"
)

const (
	// maxUploadAttempts bounds whole-file retries before giving up.
	maxUploadAttempts = 3
	// uploadChunkSize is the binary frame size for file streaming (1 MiB).
	uploadChunkSize = 1 << 20
)

// TransferSender is the transport surface the uploader needs: a JSON header
// frame followed by binary chunk frames.
type TransferSender interface {
	SendJSON(v interface{}) error
	SendBinary(b []byte) error
}

// UploadJob is one queued result file waiting for transfer to the server.
type UploadJob struct {
	FilePath        string
	Name            string
	Parameter       map[string]interface{}
	TaskID          string
	UserAccessToken string
}

// Uploader drains a queue of result files and streams each to the server,
// retrying whole files with exponential backoff. A single worker owns the
// queue, so at most one file is in flight per device at any time.
type Uploader struct {
	sender      TransferSender
	states      *StateMachine
	log         *logger.Logger
	jobs        chan UploadJob
	maxAttempts int
	backoffUnit time.Duration
	chunkSize   int
}

// NewUploader creates an uploader whose worker is started by Run.
func NewUploader(sender TransferSender, states *StateMachine, log *logger.Logger) *Uploader {
	return &Uploader{
		sender:      sender,
		states:      states,
		log:         log,
		jobs:        make(chan UploadJob, 64),
		maxAttempts: maxUploadAttempts,
		backoffUnit: time.Second,
		chunkSize:   uploadChunkSize,
	}
}

// Enqueue queues a file for upload. The target name is given the source
// file's suffix when it lacks one.
func (u *Uploader) Enqueue(job UploadJob) error {
	if suffix := filepath.Ext(job.FilePath); suffix != "" && !strings.HasSuffix(job.Name, suffix) {
		job.Name += suffix
	}

	select {
	case u.jobs <- job:
		u.log.Info("Queued file for upload", "file", job.FilePath, "task_id", job.TaskID)
		return nil
	default:
		return ErrUploadQueueFull
	}
}

// Run drains the queue until ctx is cancelled. Exactly one worker runs per
// device, so file handles are never shared between concurrent writers.
func (u *Uploader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-u.jobs:
			u.process(ctx, job)
		}
	}
}

// process retries one job up to the attempt bound with exponential backoff
// (2^attempt seconds). Exhaustion transitions the device to ERROR.
func (u *Uploader) process(ctx context.Context, job UploadJob) {
	var lastErr error

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if err := u.uploadFile(job); err != nil {
			lastErr = err
			u.log.Warn("Upload failed", "file", job.FilePath, "attempt", attempt, "error", err)

			if attempt == u.maxAttempts {
				break
			}
			backoff := u.backoffUnit * (1 << attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		u.log.Info("Uploaded file successfully", "file", job.FilePath, "task_id", job.TaskID)
		return
	}

	u.log.Error("Giving up on file upload", "file", job.FilePath, "attempts", u.maxAttempts,
		"error", fmt.Errorf("%w: %v", ErrUploadExhausted, lastErr))
	err := u.states.Transition(ws.StatusError, StatusContext{
		ErrorMessage:    fmt.Sprintf("File upload failed after %d attempts.", u.maxAttempts),
		TaskID:          job.TaskID,
		UserAccessToken: job.UserAccessToken,
	})
	if err != nil {
		u.log.Warn("Could not report upload failure", "error", err)
	}
}

// uploadFile streams one file: a JSON header frame carrying size and digest,
// then successive 1 MiB binary frames. No per-chunk acknowledgment is
// awaited; flow control is the transport's job.
func (u *Uploader) uploadFile(job UploadJob) error {
	info, err := os.Stat(job.FilePath)
	if err != nil {
		return fmt.Errorf("cannot stat upload source: %w", err)
	}

	digest, err := fileSHA256(job.FilePath)
	if err != nil {
		return err
	}

	header := ws.FileTransferHeader{
		Command:         ws.CommandFileTransfer,
		TaskID:          job.TaskID,
		UserAccessToken: job.UserAccessToken,
		Filename:        job.Name,
		SizeBytes:       info.Size(),
		ContentType:     contentTypeFor(job.FilePath),
		SHA256:          digest,
		DeviceParameter: job.Parameter,
	}
	if err := u.sender.SendJSON(header); err != nil {
		return fmt.Errorf("failed to send transfer header: %w", err)
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		return fmt.Errorf("cannot open upload source: %w", err)
	}
	defer f.Close()

	buf := make([]byte, u.chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := u.sender.SendBinary(buf[:n]); sendErr != nil {
				return fmt.Errorf("failed to send chunk: %w", sendErr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read upload source: %w", err)
		}
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open upload source: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash upload source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func contentTypeFor(path string) string {
	if filepath.Ext(path) == ".mrd" {
		return "application/x-ismrmrd+hdf5"
	}
	return "application/octet-stream"
}
