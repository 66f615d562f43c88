package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Snapshot file framing.
const (
	snapshotMagic   uint32 = 0x56534e41 // "VSNA"
	snapshotVersion uint32 = 1
)

// ErrSnapshotUnsupported is returned by devices whose state cannot yet be
// serialized. Save and restore propagate it instead of silently succeeding.
var ErrSnapshotUnsupported = errors.New("bus: device snapshot unsupported")

// SnapshotParticipant is implemented by devices taking part in save/restore.
type SnapshotParticipant interface {
	SaveState(w io.Writer) error
	LoadState(r io.Reader) error
}

// SaveSnapshot serializes every registered participant in registration order.
// A participant returning ErrSnapshotUnsupported aborts the save: a snapshot
// missing device state must not look like a successful one.
func (m *Manager) SaveSnapshot(w io.Writer) error {
	m.mu.Lock()
	participants := make([]snapshotEntry, len(m.participants))
	copy(participants, m.participants)
	m.mu.Unlock()

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:], snapshotVersion)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("bus: write snapshot header: %w", err)
	}

	for _, e := range participants {
		if err := e.participant.SaveState(w); err != nil {
			return fmt.Errorf("bus: save %s: %w", e.name, err)
		}
	}
	return nil
}

// LoadSnapshot restores every registered participant in registration order.
func (m *Manager) LoadSnapshot(r io.Reader) error {
	m.mu.Lock()
	participants := make([]snapshotEntry, len(m.participants))
	copy(participants, m.participants)
	m.mu.Unlock()

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("bus: read snapshot header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:]); magic != snapshotMagic {
		return fmt.Errorf("bus: bad snapshot magic 0x%x", magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:]); version != snapshotVersion {
		return fmt.Errorf("bus: unsupported snapshot version %d", version)
	}

	for _, e := range participants {
		if err := e.participant.LoadState(r); err != nil {
			return fmt.Errorf("bus: load %s: %w", e.name, err)
		}
	}
	return nil
}
