package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanhub-os/scanhub/common/ws"
)

// transferRecorder captures header and chunk frames separately and can fail
// the first N header sends to exercise the retry policy.
type transferRecorder struct {
	mu          sync.Mutex
	headers     []ws.FileTransferHeader
	chunks      [][]byte
	failHeaders int
}

func (r *transferRecorder) SendJSON(v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failHeaders > 0 {
		r.failHeaders--
		return errors.New("injected send failure")
	}
	if h, ok := v.(ws.FileTransferHeader); ok {
		r.headers = append(r.headers, h)
	}
	return nil
}

func (r *transferRecorder) SendBinary(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	r.chunks = append(r.chunks, cp)
	return nil
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

// busyMachine returns a state machine parked in BUSY so an ERROR transition
// is legal when the uploader gives up.
func busyMachine(sender StatusSender) *StateMachine {
	m := NewStateMachine(sender, testLogger())
	m.force(ws.StatusBusy)
	return m
}

func fastUploader(sender TransferSender, states *StateMachine) *Uploader {
	u := NewUploader(sender, states, testLogger())
	u.backoffUnit = time.Millisecond
	return u
}

func TestUploaderSendsHeaderThenChunks(t *testing.T) {
	content := []byte("raw k-space samples")
	path := writeTempFile(t, "result.mrd", content)

	rec := &transferRecorder{}
	u := fastUploader(rec, busyMachine(&recordingSender{}))
	u.chunkSize = 8

	u.process(context.Background(), UploadJob{
		FilePath:        path,
		Name:            "result.mrd",
		Parameter:       map[string]interface{}{"coils": 8},
		TaskID:          "task-9",
		UserAccessToken: "tok",
	})

	require.Len(t, rec.headers, 1)
	h := rec.headers[0]
	assert.Equal(t, ws.CommandFileTransfer, h.Command)
	assert.Equal(t, "task-9", h.TaskID)
	assert.Equal(t, "tok", h.UserAccessToken)
	assert.Equal(t, "result.mrd", h.Filename)
	assert.Equal(t, int64(len(content)), h.SizeBytes)
	assert.Equal(t, "application/x-ismrmrd+hdf5", h.ContentType)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), h.SHA256)

	// 19 bytes at chunk size 8 is three binary frames reassembling the file.
	require.Len(t, rec.chunks, 3)
	var joined []byte
	for _, c := range rec.chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, content, joined)
}

func TestUploaderRetriesThenSucceeds(t *testing.T) {
	path := writeTempFile(t, "out.bin", []byte("payload"))

	rec := &transferRecorder{failHeaders: 2}
	states := busyMachine(&recordingSender{})
	u := fastUploader(rec, states)

	u.process(context.Background(), UploadJob{FilePath: path, Name: "out.bin", TaskID: "t"})

	require.Len(t, rec.headers, 1, "third attempt must have succeeded")
	assert.Equal(t, ws.StatusBusy, states.State(), "no ERROR transition after eventual success")
}

func TestUploaderExhaustionTransitionsToError(t *testing.T) {
	path := writeTempFile(t, "out.bin", []byte("payload"))

	rec := &transferRecorder{failHeaders: maxUploadAttempts}
	statusSender := &recordingSender{}
	states := busyMachine(statusSender)
	u := fastUploader(rec, states)

	u.process(context.Background(), UploadJob{
		FilePath:        path,
		Name:            "out.bin",
		TaskID:          "task-3",
		UserAccessToken: "tok",
	})

	assert.Empty(t, rec.headers)
	assert.Equal(t, ws.StatusError, states.State())

	msgs := statusSender.messages()
	require.NotEmpty(t, msgs)
	last, ok := msgs[len(msgs)-1].(ws.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, ws.StatusError, last.Status)
	assert.Equal(t, "task-3", last.TaskID)
	assert.Contains(t, last.Data.ErrorMessage, "failed after 3 attempts")
}

func TestUploaderMissingFileDoesNotSendHeader(t *testing.T) {
	rec := &transferRecorder{}
	states := busyMachine(&recordingSender{})
	u := fastUploader(rec, states)

	u.process(context.Background(), UploadJob{FilePath: "/nonexistent/file.bin", Name: "x", TaskID: "t"})

	assert.Empty(t, rec.headers)
	assert.Equal(t, ws.StatusError, states.State())
}

func TestEnqueueAppendsSourceSuffix(t *testing.T) {
	u := fastUploader(&transferRecorder{}, busyMachine(&recordingSender{}))

	require.NoError(t, u.Enqueue(UploadJob{FilePath: "/data/scan.mrd", Name: "result"}))
	job := <-u.jobs
	assert.Equal(t, "result.mrd", job.Name)

	require.NoError(t, u.Enqueue(UploadJob{FilePath: "/data/scan.mrd", Name: "result.mrd"}))
	job = <-u.jobs
	assert.Equal(t, "result.mrd", job.Name)
}
