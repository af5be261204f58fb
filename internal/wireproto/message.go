// Package wireproto implements the fixed-size framed message exchanged
// between the nvshare scheduler daemon, its injected clients, and nvsharectl.
package wireproto

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the kind of control message carried by a frame.
type MessageType uint8

const (
	Register MessageType = iota + 1
	SchedOn
	SchedOff
	ReqLock
	LockOK
	DropLock
	LockReleased
	SetTQ
)

func (t MessageType) String() string {
	switch t {
	case Register:
		return "REGISTER"
	case SchedOn:
		return "SCHED_ON"
	case SchedOff:
		return "SCHED_OFF"
	case ReqLock:
		return "REQ_LOCK"
	case LockOK:
		return "LOCK_OK"
	case DropLock:
		return "DROP_LOCK"
	case LockReleased:
		return "LOCK_RELEASED"
	case SetTQ:
		return "SET_TQ"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	// PodNameMax is the maximum number of bytes stored for a pod name.
	PodNameMax = 254
	// PodNamespaceMax is the maximum number of bytes stored for a pod namespace.
	PodNamespaceMax = 254
	// DataLen is the size in bytes of a message's opaque data payload.
	DataLen = 20

	typeFieldLen = 1
	idFieldLen   = 8

	// Size is the exact on-wire size of a Message. There is no length
	// prefix; every read and write deals in frames of exactly this many
	// bytes.
	Size = typeFieldLen + PodNameMax + PodNamespaceMax + idFieldLen + DataLen
)

// Unregistered is the sentinel client id used for a connection that has
// not completed REGISTER yet. It is never a valid assigned id.
const Unregistered uint64 = 0xF00DF00DF00DF00D

// Message is the fixed-layout frame exchanged in both directions between
// daemon and client. Every field is zero-padded to its declared width;
// readers always consume exactly Size bytes, matching the packed C
// struct this protocol was modeled on.
type Message struct {
	Type         MessageType
	PodName      [PodNameMax]byte
	PodNamespace [PodNamespaceMax]byte
	ID           uint64
	Data         [DataLen]byte
}

// NewMessage builds a zero-valued message of the given type.
func NewMessage(t MessageType) *Message {
	return &Message{Type: t}
}

// SetPodName copies s into PodName, truncating and zero-padding as needed.
func (m *Message) SetPodName(s string) {
	setPadded(m.PodName[:], s)
}

// SetPodNamespace copies s into PodNamespace, truncating and zero-padding.
func (m *Message) SetPodNamespace(s string) {
	setPadded(m.PodNamespace[:], s)
}

// PodNameString returns PodName up to its first NUL byte.
func (m *Message) PodNameString() string {
	return readPadded(m.PodName[:])
}

// PodNamespaceString returns PodNamespace up to its first NUL byte.
func (m *Message) PodNamespaceString() string {
	return readPadded(m.PodNamespace[:])
}

// SetData copies s into the Data payload, truncating and zero-padding.
func (m *Message) SetData(s string) {
	setPadded(m.Data[:], s)
}

// DataString returns Data up to its first NUL byte.
func (m *Message) DataString() string {
	return readPadded(m.Data[:])
}

func setPadded(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	n := copy(dst, s)
	_ = n
}

func readPadded(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// Marshal encodes the message into its fixed Size-byte wire representation.
func Marshal(m *Message) []byte {
	buf := make([]byte, Size)
	off := 0

	buf[off] = byte(m.Type)
	off += typeFieldLen

	copy(buf[off:off+PodNameMax], m.PodName[:])
	off += PodNameMax

	copy(buf[off:off+PodNamespaceMax], m.PodNamespace[:])
	off += PodNamespaceMax

	binary.LittleEndian.PutUint64(buf[off:off+idFieldLen], m.ID)
	off += idFieldLen

	copy(buf[off:off+DataLen], m.Data[:])

	return buf
}

// Unmarshal decodes exactly Size bytes of buf into m. It returns an error
// if buf is shorter than a single frame; callers must not hand it a
// partial frame (see transport package for the read-loop that enforces
// this).
func Unmarshal(buf []byte, m *Message) error {
	if len(buf) < Size {
		return fmt.Errorf("wireproto: short frame: got %d bytes, want %d", len(buf), Size)
	}
	off := 0

	m.Type = MessageType(buf[off])
	off += typeFieldLen

	copy(m.PodName[:], buf[off:off+PodNameMax])
	off += PodNameMax

	copy(m.PodNamespace[:], buf[off:off+PodNamespaceMax])
	off += PodNamespaceMax

	m.ID = binary.LittleEndian.Uint64(buf[off : off+idFieldLen])
	off += idFieldLen

	copy(m.Data[:], buf[off:off+DataLen])

	return nil
}
