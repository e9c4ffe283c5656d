// Package persist implements the ANCF filter-state file format used to
// save and restore adaptive filter weights across sessions. The layout
// (fixed-width little-endian header followed by a raw coefficient
// array) follows the same binary.LittleEndian.PutUint* field-by-field
// style the ancestor project uses for its own on-disk Ogg/Opus
// recording container (server/recording.go's oggWriter.writePage).
package persist

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Magic identifies an ANCF file.
var Magic = [4]byte{'A', 'N', 'C', 'F'}

// FormatVersion is the current on-disk format version.
const FormatVersion uint16 = 1

// Algorithm identifies which adaptive filter produced a saved state.
type Algorithm uint16

const (
	AlgorithmNLMS Algorithm = iota + 1
	AlgorithmRLS
	AlgorithmHybrid
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNLMS:
		return "nlms"
	case AlgorithmRLS:
		return "rls"
	case AlgorithmHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// State is the in-memory representation of one channel's saved filter
// state (§4.5.7 / §9 "persist filter state").
type State struct {
	Algorithm Algorithm
	ChannelID uint32
	Taps      int
	Weights   []float32 // length Taps

	// P is the RLS inverse-correlation matrix, row-major Taps x Taps.
	// Empty for NLMS.
	P []float32
}

// headerLen is the fixed-size header: magic(4) + version(2) +
// algorithm(2) + taps(4) + channelID(4) = 16 bytes.
const headerLen = 16

// Write encodes s to w in the ANCF format.
func Write(w io.Writer, s State) error {
	if len(s.Weights) != s.Taps {
		return fmt.Errorf("persist: weights length %d does not match taps %d", len(s.Weights), s.Taps)
	}
	if s.Algorithm == AlgorithmRLS && len(s.P) != s.Taps*s.Taps {
		return fmt.Errorf("persist: RLS state requires P of length %d, got %d", s.Taps*s.Taps, len(s.P))
	}

	header := make([]byte, headerLen)
	copy(header[0:4], Magic[:])
	binary.LittleEndian.PutUint16(header[4:6], FormatVersion)
	binary.LittleEndian.PutUint16(header[6:8], uint16(s.Algorithm))
	binary.LittleEndian.PutUint32(header[8:12], uint32(s.Taps))
	binary.LittleEndian.PutUint32(header[12:16], s.ChannelID)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("persist: write header: %w", err)
	}

	if err := writeFloat32s(w, s.Weights); err != nil {
		return fmt.Errorf("persist: write weights: %w", err)
	}

	if s.Algorithm == AlgorithmRLS {
		if err := writeFloat32s(w, s.P); err != nil {
			return fmt.Errorf("persist: write P matrix: %w", err)
		}
	}

	return nil
}

// Read decodes an ANCF file from r.
func Read(r io.Reader) (State, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return State{}, fmt.Errorf("persist: read header: %w", err)
	}
	if string(header[0:4]) != string(Magic[:]) {
		return State{}, fmt.Errorf("persist: bad magic %q", header[0:4])
	}

	version := binary.LittleEndian.Uint16(header[4:6])
	if version != FormatVersion {
		return State{}, fmt.Errorf("persist: unsupported format version %d", version)
	}

	s := State{
		Algorithm: Algorithm(binary.LittleEndian.Uint16(header[6:8])),
		Taps:      int(binary.LittleEndian.Uint32(header[8:12])),
		ChannelID: binary.LittleEndian.Uint32(header[12:16]),
	}
	if s.Taps <= 0 {
		return State{}, fmt.Errorf("persist: invalid taps %d", s.Taps)
	}

	weights, err := readFloat32s(r, s.Taps)
	if err != nil {
		return State{}, fmt.Errorf("persist: read weights: %w", err)
	}
	s.Weights = weights

	if s.Algorithm == AlgorithmRLS {
		p, err := readFloat32s(r, s.Taps*s.Taps)
		if err != nil {
			return State{}, fmt.Errorf("persist: read P matrix: %w", err)
		}
		s.P = p
	}

	return s, nil
}

func writeFloat32s(w io.Writer, vals []float32) error {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readFloat32s(r io.Reader, n int) ([]float32, error) {
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out, nil
}
