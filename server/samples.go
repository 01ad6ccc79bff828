package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scanhub-os/scanhub/common/wire"
)

// HandleSamples serves stored sample packets from the data lake. The file is
// addressed by its path relative to the data lake root; the packet is parsed
// and re-encoded so corrupt files are rejected instead of forwarded. With
// ?item=N only the selected item is returned.
func (h *DeviceHub) HandleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.dataLakeDir == "" {
		http.Error(w, "Server storage is not configured.", http.StatusServiceUnavailable)
		return
	}

	rel := r.URL.Query().Get("file")
	if rel == "" {
		http.Error(w, "Missing file parameter", http.StatusBadRequest)
		return
	}

	path, err := resolveLakePath(h.dataLakeDir, rel)
	if err != nil {
		http.Error(w, "Invalid file parameter", http.StatusBadRequest)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Sample file not found", http.StatusNotFound)
			return
		}
		logError("Failed to open sample file", "path", path, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	var packet wire.Packet
	if _, err := packet.ReadFrom(f); err != nil {
		logWarn("Rejecting malformed sample packet", "path", path, "error", err)
		http.Error(w, "Malformed sample packet", http.StatusUnprocessableEntity)
		return
	}

	if itemParam := r.URL.Query().Get("item"); itemParam != "" {
		idx, err := strconv.Atoi(itemParam)
		if err != nil || idx < 0 || idx >= len(packet.Items) {
			http.Error(w, "Invalid item index", http.StatusBadRequest)
			return
		}
		packet = wire.Packet{Items: []wire.Item{packet.Items[idx]}}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := packet.WriteTo(w); err != nil {
		logWarn("Failed to stream sample packet", "path", path, "error", err)
	}
}

// resolveLakePath joins rel onto the data lake root and refuses escapes.
func resolveLakePath(root, rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("path escapes data lake")
	}
	return filepath.Join(root, cleaned), nil
}
