// Package tracer relays sequence-point hits to an out-of-process recorder
// over a named duplex byte channel, for processes that cannot write the
// shared report file themselves.
package tracer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// activationByte is the single signal the recorder peer sends once it is
// ready to receive relayed hits.
const activationByte = 0x06

// ChannelPath derives the duplex channel's socket path from its token.
func ChannelPath(token string) string {
	return filepath.Join(os.TempDir(), "ilcov-"+token+".sock")
}

// writePair serializes one (moduleID, pointID) pair onto w: a big-endian
// length-prefixed string followed by a 4-byte point id. An empty module id
// is the end-of-stream marker.
func writePair(w io.Writer, moduleID string, pointID int) error {
	buf := make([]byte, 0, 8+len(moduleID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(moduleID)))
	buf = append(buf, moduleID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(pointID))

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write hit pair: %w", err)
	}

	return nil
}

// readPair reads one serialized pair from r.
func readPair(r io.Reader) (moduleID string, pointID int, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", 0, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxModuleIDLen {
		return "", 0, fmt.Errorf("module id length %d exceeds limit", size)
	}

	name := make([]byte, size)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", 0, fmt.Errorf("read module id: %w", err)
	}

	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return "", 0, fmt.Errorf("read point id: %w", err)
	}

	return string(name), int(int32(binary.BigEndian.Uint32(idBuf[:]))), nil
}

// maxModuleIDLen bounds the module-id field so a corrupt stream cannot ask
// for an arbitrary allocation.
const maxModuleIDLen = 1 << 16
