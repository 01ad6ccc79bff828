package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	"github.com/scanhub-os/scanhub/common/ws"
	"github.com/scanhub-os/scanhub/server/taskapi"
)

// handleFileTransfer receives one chunked upload announced by header: binary
// frames are streamed to a temp file next to the final destination, verified
// against the declared size and checksum, then atomically renamed into the
// data lake. Failed or aborted transfers leave nothing behind.
func (h *DeviceHub) handleFileTransfer(ctx context.Context, conn *ws.Conn, deviceID string, header ws.FileTransferHeader) {
	if h.dataLakeDir == "" {
		logError("Data lake directory not configured")
		h.sendFeedback(conn, "Server storage is not configured.")
		return
	}
	if _, err := os.Stat(h.dataLakeDir); err != nil {
		logError("Data lake directory missing", "dir", h.dataLakeDir, "error", err)
		h.sendFeedback(conn, "Server storage is not available.")
		return
	}
	if header.SizeBytes < 0 {
		h.sendFeedback(conn, "Invalid size_bytes in transfer header.")
		return
	}

	task, err := h.tasks.GetTask(ctx, header.TaskID, header.UserAccessToken)
	if err != nil {
		logWarn("Failed to fetch task for transfer", "device_id", deviceID, "task_id", header.TaskID, "error", err)
		h.sendFeedback(conn, "Error fetching task: %v", err)
		return
	}

	blank, err := h.tasks.CreateBlankResult(ctx, header.TaskID, header.UserAccessToken)
	if err != nil {
		logError("Failed to create result record", "device_id", deviceID, "task_id", header.TaskID, "error", err)
		h.sendFeedback(conn, "Error creating result: %v", err)
		return
	}

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "upload.bin"
	}

	resultDir := filepath.Join(h.dataLakeDir, task.WorkflowID, header.TaskID, blank.ID)
	if err := os.MkdirAll(resultDir, 0755); err != nil {
		logError("Failed to create result directory", "dir", resultDir, "error", err)
		h.sendFeedback(conn, "Error preparing result storage: %v", err)
		return
	}

	finalPath := filepath.Join(resultDir, filename)
	tmpPath := finalPath + ".part"

	hasher := sha256.New()
	received, err := h.receiveFileBytes(conn, tmpPath, header.SizeBytes, hasher)
	if err != nil {
		// Transport died mid-transfer; nothing to answer, just clean up.
		os.Remove(tmpPath)
		logWarn("Transfer aborted by disconnect", "device_id", deviceID, "task_id", header.TaskID,
			"received", received, "expected", header.SizeBytes, "error", err)
		return
	}

	if err := verifyTransfer(received, header.SizeBytes, hasher, header.SHA256); err != nil {
		os.Remove(tmpPath)
		logWarn("Rejecting transfer", "device_id", deviceID, "task_id", header.TaskID,
			"received", received, "expected", header.SizeBytes, "error", err)
		if errors.Is(err, ErrChecksumMismatch) {
			h.sendFeedback(conn, "Checksum mismatch for uploaded file.")
		} else {
			h.sendFeedback(conn, "Incomplete file received (%d/%d bytes).", received, header.SizeBytes)
		}
		return
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		logError("Failed to finalize transfer", "path", finalPath, "error", err)
		h.sendFeedback(conn, "Error storing file: %v", err)
		return
	}

	resultFiles := []string{filename}
	if len(header.DeviceParameter) > 0 {
		sidecar, err := writeParameterSidecar(resultDir, deviceID, header.DeviceParameter)
		if err != nil {
			logWarn("Failed to write device parameter sidecar", "dir", resultDir, "error", err)
		} else {
			resultFiles = append(resultFiles, sidecar)
		}
	}

	result, err := h.tasks.SetResult(ctx, blank.ID, taskapi.SetResultRequest{
		Type:      taskapi.PickResultType(filename),
		Directory: resultDir,
		Files:     resultFiles,
	}, header.UserAccessToken)
	if err != nil {
		logError("Failed to set result", "result_id", blank.ID, "error", err)
		h.sendFeedback(conn, "Error finalizing result: %v", err)
		return
	}

	task.Status = taskapi.StatusFinished
	if _, err := h.tasks.SetTask(ctx, task, header.UserAccessToken); err != nil {
		logError("Failed to mark task finished", "task_id", header.TaskID, "error", err)
		h.sendFeedback(conn, "Could not update task: %v", err)
		return
	}

	logInfo("Transfer completed", "device_id", deviceID, "task_id", header.TaskID,
		"result_id", result.ID, "path", finalPath, "bytes", received)
	h.sendFeedback(conn, "File %s saved to datalake: %s", result.ID, finalPath)
}

// verifyTransfer checks the received byte count and, when the header declared
// a digest, the SHA-256 of the streamed content.
func verifyTransfer(received, expected int64, hasher hash.Hash, declaredSHA string) error {
	if received != expected {
		return ErrIncompleteTransfer
	}
	if declaredSHA != "" && hex.EncodeToString(hasher.Sum(nil)) != declaredSHA {
		return ErrChecksumMismatch
	}
	return nil
}

// receiveFileBytes streams binary frames into tmpPath until expected bytes
// have arrived, feeding hasher along the way. Stray text frames are ignored.
// A read or write error aborts the transfer.
func (h *DeviceHub) receiveFileBytes(conn *ws.Conn, tmpPath string, expected int64, hasher hash.Hash) (int64, error) {
	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer out.Close()

	var received int64
	for received < expected {
		mt, chunk, err := conn.Read()
		if err != nil {
			return received, err
		}
		if mt != ws.BinaryMessage {
			continue
		}

		if _, err := out.Write(chunk); err != nil {
			return received, fmt.Errorf("write chunk: %w", err)
		}
		hasher.Write(chunk)
		received += int64(len(chunk))
	}
	if err := out.Sync(); err != nil {
		return received, fmt.Errorf("sync temp file: %w", err)
	}
	return received, nil
}

// writeParameterSidecar stores the device parameters reported with an upload
// next to the result file. Returns the sidecar filename.
func writeParameterSidecar(dir, deviceID string, parameter map[string]interface{}) (string, error) {
	payload := map[string]interface{}{
		"device_id": deviceID,
		"parameter": parameter,
	}
	raw, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return "", err
	}

	name := "device_parameter.json"
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0644); err != nil {
		return "", err
	}
	return name, nil
}
