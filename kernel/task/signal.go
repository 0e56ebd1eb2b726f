package task

import (
	"bytes"

	"gophertask/kernel/sync"

	"github.com/lunixbochs/struc"
)

// SignalType identifies a kind of signal. At most one signal per type can be
// pending on a process.
type SignalType uint64

// SignalChildExit is posted to a parent when one of its children exits.
// Data[0] carries the exit code.
const SignalChildExit SignalType = 1

// SignalSize is the size of a packed Signal.
const SignalSize = 9 * 8

// Signal is a fixed-shape message delivered to a process mailbox.
type Signal struct {
	Type SignalType `struc:"uint64,little"`
	Data [8]uint64  `struc:"[8]uint64,little"`
}

// MarshalBinary returns the little-endian layout of the signal that is
// copied into user memory.
func (s *Signal) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(SignalSize)
	if err := struc.Pack(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SignalManager is the per-process signal mailbox.
type SignalManager struct {
	lock    sync.Spinlock
	pending map[SignalType]Signal
	awaited map[SignalType]struct{}
}

// NewSignalManager returns an empty mailbox.
func NewSignalManager() *SignalManager {
	return &SignalManager{
		pending: make(map[SignalType]Signal),
		awaited: make(map[SignalType]struct{}),
	}
}

// RegisterSignal stores sig replacing any pending signal of the same type.
// It returns true if the type was awaited; the type then stops being
// awaited and the caller is responsible for waking the waiting threads.
func (m *SignalManager) RegisterSignal(sig Signal) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	m.pending[sig.Type] = sig
	if _, awaited := m.awaited[sig.Type]; awaited {
		delete(m.awaited, sig.Type)
		return true
	}
	return false
}

// RegisterWaitFor marks sigType as awaited.
func (m *SignalManager) RegisterWaitFor(sigType SignalType) {
	m.lock.Acquire()
	m.awaited[sigType] = struct{}{}
	m.lock.Release()
}

// CancelWaitFor withdraws a wait registered with RegisterWaitFor.
func (m *SignalManager) CancelWaitFor(sigType SignalType) {
	m.lock.Acquire()
	delete(m.awaited, sigType)
	m.lock.Release()
}

// IsAwaited returns true if some thread waits for sigType.
func (m *SignalManager) IsAwaited(sigType SignalType) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	_, awaited := m.awaited[sigType]
	return awaited
}

// HasSignal returns true if a signal of type sigType is pending.
func (m *SignalManager) HasSignal(sigType SignalType) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	_, found := m.pending[sigType]
	return found
}

// GetSignal returns a copy of the pending signal of type sigType. The signal
// stays pending until DeleteSignal is called.
func (m *SignalManager) GetSignal(sigType SignalType) (Signal, bool) {
	m.lock.Acquire()
	defer m.lock.Release()

	sig, found := m.pending[sigType]
	return sig, found
}

// DeleteSignal acknowledges the pending signal of type sigType.
func (m *SignalManager) DeleteSignal(sigType SignalType) {
	m.lock.Acquire()
	delete(m.pending, sigType)
	m.lock.Release()
}
