package main

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanhub-os/scanhub/common/wire"
)

func writeSamplePacket(t *testing.T, th *testHub, rel string, packet wire.Packet) {
	t.Helper()
	path := filepath.Join(th.lakeDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	var buf bytes.Buffer
	_, err := packet.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func getSamples(t *testing.T, th *testHub, query string) *http.Response {
	t.Helper()
	resp, err := http.Get(th.server.URL + "/samples" + query)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSamplesRoundTrip(t *testing.T) {
	th := newTestHub(t)
	packet := wire.Packet{Items: []wire.Item{
		{ID: 1, CoilCount: 8, DTypeTag: wire.DTypeComplex64, SampleCount: 2, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{ID: 2, CoilCount: 4, DTypeTag: wire.DTypeInt16, SampleCount: 3, Payload: []byte{9, 9, 9, 9, 9, 9}},
	}}
	writeSamplePacket(t, th, "wf/task/res/samples.bin", packet)

	resp := getSamples(t, th, "?file=wf/task/res/samples.bin")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got wire.Packet
	_, err := got.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, packet.Items[0].Payload, got.Items[0].Payload)
	assert.Equal(t, uint16(4), got.Items[1].CoilCount)
}

func TestSamplesItemSelection(t *testing.T) {
	th := newTestHub(t)
	packet := wire.Packet{Items: []wire.Item{
		{ID: 10, CoilCount: 1, DTypeTag: wire.DTypeFloat32, SampleCount: 1, Payload: []byte{1, 2, 3, 4}},
		{ID: 20, CoilCount: 2, DTypeTag: wire.DTypeFloat32, SampleCount: 1, Payload: []byte{5, 6, 7, 8}},
	}}
	writeSamplePacket(t, th, "samples.bin", packet)

	resp := getSamples(t, th, "?file=samples.bin&item=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got wire.Packet
	_, err := got.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, uint32(20), got.Items[0].ID)

	resp = getSamples(t, th, "?file=samples.bin&item=5")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSamplesRejectsEscapingPaths(t *testing.T) {
	th := newTestHub(t)

	resp := getSamples(t, th, "?file=../outside.bin")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = getSamples(t, th, "?file=/etc/passwd")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSamplesMissingFile(t *testing.T) {
	th := newTestHub(t)

	resp := getSamples(t, th, "?file=absent.bin")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSamplesMalformedPacket(t *testing.T) {
	th := newTestHub(t)
	require.NoError(t, os.WriteFile(filepath.Join(th.lakeDir, "junk.bin"), []byte("not a packet"), 0644))

	resp := getSamples(t, th, "?file=junk.bin")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "Malformed")
}
