package compositor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Client sockets speak the Wayland wire layout: an 8 byte header holding
// the object id and (size<<16 | opcode) in host (little endian) order,
// followed by 32-bit arguments. Only the display object (id 1) exists.
const (
	displayObject = 1
	headerSize    = 8
	maxMessage    = 4096
)

// Requests from clients.
const (
	reqCreateSurface uint16 = iota
	reqDestroySurface
	reqAttach
	reqSync
)

// EventKind is the opcode of an event sent to clients.
type EventKind uint16

const (
	EventSurfaceID EventKind = iota
	EventDone
	EventKeyboardEnter
	EventKeyboardLeave
	EventKey
	EventModifiers
	EventPointerEnter
	EventPointerLeave
	EventPointerMotion
	EventPointerButton
	EventTouchDown
	EventTouchUp
	EventTouchMotion
	EventBufferRelease
	EventError
)

var eventNames = [...]string{
	"surface_id", "done",
	"keyboard_enter", "keyboard_leave", "key", "modifiers",
	"pointer_enter", "pointer_leave", "pointer_motion", "pointer_button",
	"touch_down", "touch_up", "touch_motion",
	"buffer_release", "error",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", uint16(k))
}

var errShortMessage = errors.New("short protocol message")

type message struct {
	object uint32
	opcode uint16
	args   []uint32
}

func (m message) arg(i int) (uint32, error) {
	if i >= len(m.args) {
		return 0, fmt.Errorf("%w: opcode %d needs argument %d", errShortMessage, m.opcode, i)
	}
	return m.args[i], nil
}

func readMessage(r io.Reader) (message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return message{}, err
	}
	m := message{object: binary.LittleEndian.Uint32(hdr[0:4])}
	word := binary.LittleEndian.Uint32(hdr[4:8])
	m.opcode = uint16(word & 0xffff)
	size := int(word >> 16)
	if size < headerSize || size > maxMessage || size%4 != 0 {
		return message{}, fmt.Errorf("invalid message size %d", size)
	}

	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return message{}, err
	}
	m.args = make([]uint32, len(body)/4)
	for i := range m.args {
		m.args[i] = binary.LittleEndian.Uint32(body[i*4:])
	}
	return m, nil
}

func encodeMessage(m message) []byte {
	size := headerSize + 4*len(m.args)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], m.object)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size)<<16|uint32(m.opcode))
	for i, a := range m.args {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], a)
	}
	return buf
}

func writeMessage(w io.Writer, m message) error {
	_, err := w.Write(encodeMessage(m))
	return err
}
