// Package rpc talks to remote compute backends over the ggml RPC wire
// protocol. Only the handshake and the device memory query are
// implemented; tensor transport stays with the native engine.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolMajor is the protocol version this package speaks. Servers with a
// different major version are rejected.
const (
	ProtocolMajor = 3
	ProtocolMinor = 0
	ProtocolPatch = 0
)

type command uint8

const (
	cmdGetDeviceMemory command = 11
	cmdHello           command = 14
)

func (c command) String() string {
	switch c {
	case cmdHello:
		return "HELLO"
	case cmdGetDeviceMemory:
		return "GET_DEVICE_MEMORY"
	default:
		return fmt.Sprintf("cmd(%d)", uint8(c))
	}
}

// maxPayload bounds what either side will read for the commands spoken
// here.
const maxPayload = 1 << 16

var errPayloadTooLarge = errors.New("rpc payload too large")

// writeRequest sends cmd | u64 size | payload.
func writeRequest(w io.Writer, cmd command, payload []byte) error {
	buf := make([]byte, 9+len(payload))
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(len(payload)))
	copy(buf[9:], payload)
	_, err := w.Write(buf)
	return err
}

func readRequest(r io.Reader) (command, []byte, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	payload, err := readPayload(r, binary.LittleEndian.Uint64(hdr[1:]))
	return command(hdr[0]), payload, err
}

// writeResponse sends u64 size | payload.
func writeResponse(w io.Writer, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

// readResponse reads a response and checks it has exactly want bytes.
func readResponse(r io.Reader, want int) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(hdr[:])
	if size != uint64(want) {
		return nil, fmt.Errorf("rpc response has %d bytes, want %d", size, want)
	}
	return readPayload(r, size)
}

func readPayload(r io.Reader, size uint64) ([]byte, error) {
	if size > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", errPayloadTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func encodeMemory(free, total uint64) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[:8], free)
	binary.LittleEndian.PutUint64(out[8:], total)
	return out
}

func decodeMemory(p []byte) (free, total uint64) {
	return binary.LittleEndian.Uint64(p[:8]), binary.LittleEndian.Uint64(p[8:16])
}
