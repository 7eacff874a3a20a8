// internal/core/codec.go
package core

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const (
	snapshotMagic   uint32 = 0x50524157 // "WARP"
	snapshotVersion uint32 = 1
	snapshotFormat         = "warp.v1"

	maxHeaderBytes = 64 << 20
)

// ErrBadSnapshot is returned for truncated or foreign snapshot streams.
var ErrBadSnapshot = errors.New("malformed snapshot")

// Snapshot - named groups of tensors plus free-form metadata.
// Each section becomes a top-level field of the JSON header, e.g. "params".
type Snapshot struct {
	Meta     map[string]string
	Sections map[string]ModelState
}

type tensorEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// WriteSnapshot writes a fixed 8-byte preamble followed by a zstd stream holding the
// length-prefixed JSON header and the raw little-endian tensor data.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	preamble := make([]byte, 8)
	binary.LittleEndian.PutUint32(preamble[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(preamble[4:8], snapshotVersion)
	if _, err := w.Write(preamble); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	header := map[string]interface{}{
		"format": snapshotFormat,
		"meta":   snap.Meta,
	}
	sections := sectionNames(snap.Sections)
	for _, section := range sections {
		if section == "format" || section == "meta" {
			enc.Close()
			return fmt.Errorf("reserved section name %q", section)
		}
		state := snap.Sections[section]
		entries := make([]tensorEntry, 0, len(state))
		for _, name := range state.Names() {
			entries = append(entries, tensorEntry{Name: name, Shape: state[name].Shape})
		}
		header[section] = entries
	}

	raw, err := json.Marshal(header)
	if err != nil {
		enc.Close()
		return err
	}
	bw := bufio.NewWriter(enc)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(raw))); err != nil {
		enc.Close()
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		enc.Close()
		return err
	}
	for _, section := range sections {
		state := snap.Sections[section]
		for _, name := range state.Names() {
			if err := binary.Write(bw, binary.LittleEndian, state[name].Data); err != nil {
				enc.Close()
				return err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadSnapshotHeader returns the raw JSON header without decoding tensor data.
func ReadSnapshotHeader(r io.Reader) ([]byte, error) {
	dec, err := openSnapshot(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return readHeader(dec)
}

func ReadSnapshot(r io.Reader) (Snapshot, error) {
	dec, err := openSnapshot(r)
	if err != nil {
		return Snapshot{}, err
	}
	defer dec.Close()

	raw, err := readHeader(dec)
	if err != nil {
		return Snapshot{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Snapshot{}, fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}

	var format string
	if err := json.Unmarshal(fields["format"], &format); err != nil || format != snapshotFormat {
		return Snapshot{}, fmt.Errorf("%w: unknown format %q", ErrBadSnapshot, format)
	}
	snap := Snapshot{Sections: make(map[string]ModelState)}
	if m, ok := fields["meta"]; ok && string(m) != "null" {
		if err := json.Unmarshal(m, &snap.Meta); err != nil {
			return Snapshot{}, fmt.Errorf("%w: meta: %v", ErrBadSnapshot, err)
		}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if name != "format" && name != "meta" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	br := bufio.NewReader(dec)
	for _, section := range names {
		var entries []tensorEntry
		if err := json.Unmarshal(fields[section], &entries); err != nil {
			return Snapshot{}, fmt.Errorf("%w: section %q: %v", ErrBadSnapshot, section, err)
		}
		state := make(ModelState, len(entries))
		for _, e := range entries {
			for _, d := range e.Shape {
				if d < 0 {
					return Snapshot{}, fmt.Errorf("%w: negative dimension for %q", ErrBadSnapshot, e.Name)
				}
			}
			t := NewTensor(e.Shape)
			if err := binary.Read(br, binary.LittleEndian, t.Data); err != nil {
				return Snapshot{}, fmt.Errorf("%w: data for %q: %v", ErrBadSnapshot, e.Name, err)
			}
			state[e.Name] = t
		}
		snap.Sections[section] = state
	}
	return snap, nil
}

func openSnapshot(r io.Reader) (*zstd.Decoder, error) {
	preamble := make([]byte, 8)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, fmt.Errorf("%w: preamble: %v", ErrBadSnapshot, err)
	}
	if binary.LittleEndian.Uint32(preamble[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	if v := binary.LittleEndian.Uint32(preamble[4:8]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, v)
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return dec, nil
}

func readHeader(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: header length: %v", ErrBadSnapshot, err)
	}
	if n > maxHeaderBytes {
		return nil, fmt.Errorf("%w: header too large (%d bytes)", ErrBadSnapshot, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}
	return raw, nil
}

func sectionNames(sections map[string]ModelState) []string {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
