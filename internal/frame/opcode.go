package frame

import "fmt"

type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	// 0x3-0x7 are reserved for further non-control frames
	OpClose Opcode = 0x8
	OpPing  Opcode = 0x9
	OpPong  Opcode = 0xA
	// 0xB-0xF are reserved for further control frames
)

// ParseOpcode validates the low 4 bits of the first header byte.
func ParseOpcode(b byte) (Opcode, error) {
	c := Opcode(b & 0b0000_1111)
	if c.IsReserved() {
		return 0, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, uint8(c))
	}
	return c, nil
}

func (c Opcode) IsControl() bool {
	return c == OpClose || c == OpPing || c == OpPong
}

func (c Opcode) IsData() bool {
	return c == OpContinuation || c == OpText || c == OpBinary
}

func (c Opcode) IsReserved() bool {
	return !c.IsControl() && !c.IsData()
}

func (c Opcode) String() string {
	switch c {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(0x%X)", uint8(c))
	}
}
