package hardware

import (
	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

// RawEventPacket is a FIFO word with its label unpacked.
type RawEventPacket struct {
	Sequence int
	Counters [3]int
	Values   [3]uint32
}

// ParsePacket splits w into its label fields and values.
func ParsePacket(w FIFOWord) RawEventPacket {
	seq, a, b, c := sequencer.DecodeEventLabel(w[3])
	return RawEventPacket{
		Sequence: seq,
		Counters: [3]int{a, b, c},
		Values:   [3]uint32{w[0], w[1], w[2]},
	}
}

// Decode turns FIFO words into per-shot samples and per-counter histograms.
// A counter id repeated within one packet is padding and is counted once.
func Decode(p *profile.Profile, words []FIFOWord) (*models.ExecutionResult, error) {
	res := &models.ExecutionResult{
		Samples: make([]int, 0, len(words)),
		Rabi:    make(map[string]map[uint32]int, len(p.Counters)),
	}
	for name := range p.Counters {
		res.Rabi[name] = make(map[uint32]int)
	}
	for _, w := range words {
		pkt := ParsePacket(w)
		for i, id := range pkt.Counters {
			if seen(pkt.Counters[:i], id) {
				continue
			}
			name, ok := p.CounterByResult(id)
			if !ok {
				return nil, apperr.Newf(apperr.HardwareFault, "fifo packet %d names unknown counter address %d", pkt.Sequence, id)
			}
			v := pkt.Values[i]
			res.Rabi[name][v]++
			if float64(v) < p.ZeroThreshold {
				res.Samples = append(res.Samples, 0)
			} else {
				res.Samples = append(res.Samples, 1)
			}
		}
	}
	return res, nil
}

func seen(ids []int, id int) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
