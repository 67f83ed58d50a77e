package sequencer

import (
	"math"

	"quiqcl-server/internal/apperr"
)

// Event label layout: | sequence (17 bits) | counter a (5) | counter b (5) | counter c (5) |.
const (
	counterIDBits = 5
	sequenceBits  = 32 - 3*counterIDBits

	// MaxCounterID is the largest counter address a label can carry.
	MaxCounterID = 1<<counterIDBits - 1
	// MaxSequence is the largest FIFO write index a label can carry.
	MaxSequence = 1<<sequenceBits - 1

	counterIDMask = MaxCounterID
)

// EncodeEventLabel packs a FIFO write index and three counter addresses.
func EncodeEventLabel(sequence, a, b, c int) (uint32, error) {
	if sequence < 0 || sequence > MaxSequence {
		return 0, apperr.Newf(apperr.ProgramTooLarge, "fifo write index %d exceeds %d", sequence, MaxSequence)
	}
	for _, id := range []int{a, b, c} {
		if id < 0 || id > MaxCounterID {
			return 0, apperr.Newf(apperr.InvalidProfile, "counter address %d exceeds %d", id, MaxCounterID)
		}
	}
	return uint32(sequence)<<(3*counterIDBits) |
		uint32(a)<<(2*counterIDBits) |
		uint32(b)<<counterIDBits |
		uint32(c), nil
}

// DecodeEventLabel is the inverse of EncodeEventLabel.
func DecodeEventLabel(label uint32) (sequence, a, b, c int) {
	sequence = int(label >> (3 * counterIDBits))
	a = int((label >> (2 * counterIDBits)) & counterIDMask)
	b = int((label >> counterIDBits) & counterIDMask)
	c = int(label & counterIDMask)
	return sequence, a, b, c
}

// PhaseWordBits is the resolution of the phase shifter port.
const PhaseWordBits = 12

// PhaseWord converts an angle in degrees to the phase shifter word.
func PhaseWord(degrees float64) uint32 {
	steps := float64(uint32(1) << PhaseWordBits)
	w := math.Round(degrees / 360 * steps)
	w = math.Mod(w, steps)
	if w < 0 {
		w += steps
	}
	return uint32(w)
}
