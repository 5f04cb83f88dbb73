package internal

import (
	"fmt"
	"strings"
)

// Ordering is the byte arrangement applied to a 16-bit register value.
type Ordering string

const (
	BigEndian    Ordering = "big"
	LittleEndian Ordering = "little"
	MixedEndian  Ordering = "mixed"
)

// ParseOrdering accepts big, little or mixed (case-insensitive).
func ParseOrdering(s string) (Ordering, error) {
	switch o := Ordering(strings.ToLower(strings.TrimSpace(s))); o {
	case BigEndian, LittleEndian, MixedEndian:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown endian %q (want big, little or mixed)", ErrUsage, s)
}

// Transform converts a register value between wire order and its in-memory
// form. The same call decodes and encodes: every ordering is self-inverse.
//
// big swaps the two bytes of the word the Modbus library handed over, little
// keeps it, so little(v) is always swap(big(v)). mixed swaps the bytes too.
// All of them use explicit shifts and never depend on the host byte order.
// little as the identity matches the values the tool has always printed on
// little-endian hosts such as x86 and ARM.
func (o Ordering) Transform(v uint16) uint16 {
	switch o {
	case BigEndian:
		return swap16(v)
	case LittleEndian:
		return v
	case MixedEndian:
		high := (v & 0xFF00) >> 8
		low := v & 0x00FF
		return low<<8 | high
	}
	return v
}

// TransformAll applies Transform element-wise into a new slice; vs is not modified.
func (o Ordering) TransformAll(vs []uint16) []uint16 {
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = o.Transform(v)
	}
	return out
}

func swap16(v uint16) uint16 {
	return (v>>8)&0xFF | (v&0xFF)<<8
}
