// Package sequencer models the instruction set of the timing sequencer and
// the helpers the compiler uses to emit cycle-accurate programs.
package sequencer

import (
	"fmt"
	"sort"
	"strings"
)

// NumRegisters is the size of the sequencer register file.
const NumRegisters = 32

// ShotRegister holds the shot counter when a program loops.
const ShotRegister = NumRegisters - 1

// Opcode identifies an instruction.
type Opcode uint8

const (
	OpLoadImmediate Opcode = iota + 1
	OpSetOutputPort
	OpWaitNClocks
	OpNop
	OpTriggerOut
	OpReadCounter
	OpWriteFIFO
	OpAdd
	OpBranchIfLessThan
	OpStop
)

var opcodeNames = map[Opcode]string{
	OpLoadImmediate:    "load_immediate",
	OpSetOutputPort:    "set_output_port",
	OpWaitNClocks:      "wait_n_clocks",
	OpNop:              "nop",
	OpTriggerOut:       "trigger_out",
	OpReadCounter:      "read_counter",
	OpWriteFIFO:        "write_to_fifo",
	OpAdd:              "add",
	OpBranchIfLessThan: "branch_if_less_than",
	OpStop:             "stop",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Instruction is one sequencer word. Only the fields relevant to Op are set.
type Instruction struct {
	Op Opcode
	// Reg is the destination register (load, read, add) or the compared register (branch).
	Reg uint8
	// Src is the source register for add.
	Src uint8
	// FIFORegs are the three registers pushed by write_to_fifo.
	FIFORegs [3]uint8
	// Port is the output port address for set_output_port and the counter
	// address for read_counter.
	Port uint8
	// Value is the port value, immediate, trigger mask, wait count or FIFO label.
	Value uint32
	// Mask selects which port bits set_output_port changes.
	Mask uint32
	// Target is the branch destination index.
	Target int
}

// Cycles is the number of clock cycles the instruction occupies.
func (in Instruction) Cycles() int {
	if in.Op == OpWaitNClocks {
		return int(in.Value) + WaitOverhead
	}
	return 1
}

func (in Instruction) String() string {
	switch in.Op {
	case OpLoadImmediate:
		return fmt.Sprintf("%s r%d, %d", in.Op, in.Reg, in.Value)
	case OpSetOutputPort:
		return fmt.Sprintf("%s port%d, 0x%04x/0x%04x", in.Op, in.Port, in.Value, in.Mask)
	case OpWaitNClocks:
		return fmt.Sprintf("%s %d", in.Op, in.Value)
	case OpTriggerOut:
		return fmt.Sprintf("%s 0x%04x", in.Op, in.Value)
	case OpReadCounter:
		return fmt.Sprintf("%s r%d, counter%d", in.Op, in.Reg, in.Port)
	case OpWriteFIFO:
		return fmt.Sprintf("%s r%d, r%d, r%d, 0x%08x", in.Op, in.FIFORegs[0], in.FIFORegs[1], in.FIFORegs[2], in.Value)
	case OpAdd:
		return fmt.Sprintf("%s r%d, r%d, %d", in.Op, in.Reg, in.Src, in.Value)
	case OpBranchIfLessThan:
		return fmt.Sprintf("%s @%d, r%d, %d", in.Op, in.Target, in.Reg, in.Value)
	default:
		return in.Op.String()
	}
}

// MaxInstructions caps the length of a program.
const MaxInstructions = 1 << 20

// Program is an ordered instruction list with named entry points.
type Program struct {
	Instructions []Instruction
	// Labels maps "<block>_<n>" to the index of the block's first instruction.
	Labels map[string]int
	// FIFOWrites is the number of write_to_fifo instructions in one pass of the body.
	FIFOWrites int

	labelCounts map[string]int
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		Labels:      make(map[string]int),
		labelCounts: make(map[string]int),
	}
}

// Len is the index the next emitted instruction will get.
func (p *Program) Len() int { return len(p.Instructions) }

// Mark records base at index and returns the disambiguated label.
func (p *Program) Mark(base string, index int) string {
	n := p.labelCounts[base]
	p.labelCounts[base] = n + 1
	label := fmt.Sprintf("%s_%d", base, n)
	p.Labels[label] = index
	return label
}

func (p *Program) emit(in Instruction) {
	p.Instructions = append(p.Instructions, in)
}

func (p *Program) LoadImmediate(reg uint8, value uint32) {
	p.emit(Instruction{Op: OpLoadImmediate, Reg: reg, Value: value})
}

// SetOutputPort changes the masked bits of port to value.
func (p *Program) SetOutputPort(port uint8, value, mask uint32) {
	p.emit(Instruction{Op: OpSetOutputPort, Port: port, Value: value, Mask: mask})
}

// WaitNClocks stalls for n+WaitOverhead cycles.
func (p *Program) WaitNClocks(n uint32) {
	p.emit(Instruction{Op: OpWaitNClocks, Value: n})
}

func (p *Program) Nop() {
	p.emit(Instruction{Op: OpNop})
}

// TriggerOut pulses the lines in mask for one cycle.
func (p *Program) TriggerOut(mask uint32) {
	p.emit(Instruction{Op: OpTriggerOut, Value: mask})
}

// ReadCounter copies the counter at address counter into reg.
func (p *Program) ReadCounter(reg, counter uint8) {
	p.emit(Instruction{Op: OpReadCounter, Reg: reg, Port: counter})
}

// WriteFIFO pushes three registers plus label onto the result FIFO.
func (p *Program) WriteFIFO(a, b, c uint8, label uint32) {
	p.emit(Instruction{Op: OpWriteFIFO, FIFORegs: [3]uint8{a, b, c}, Value: label})
}

// Add sets dst = src + imm.
func (p *Program) Add(dst, src uint8, imm uint32) {
	p.emit(Instruction{Op: OpAdd, Reg: dst, Src: src, Value: imm})
}

// BranchIfLessThan jumps to target while reg < imm.
func (p *Program) BranchIfLessThan(target int, reg uint8, imm uint32) {
	p.emit(Instruction{Op: OpBranchIfLessThan, Target: target, Reg: reg, Value: imm})
}

func (p *Program) Stop() {
	p.emit(Instruction{Op: OpStop})
}

// Count returns how many instructions carry op.
func (p *Program) Count(op Opcode) int {
	n := 0
	for _, in := range p.Instructions {
		if in.Op == op {
			n++
		}
	}
	return n
}

// SortedLabels returns label names ordered by index, then name.
func (p *Program) SortedLabels() []string {
	names := make([]string, 0, len(p.Labels))
	for name := range p.Labels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		li, lj := p.Labels[names[i]], p.Labels[names[j]]
		if li != lj {
			return li < lj
		}
		return names[i] < names[j]
	})
	return names
}

// Listing renders a stable disassembly, one instruction per line, with
// labels on their own lines before the instruction they name.
func (p *Program) Listing() string {
	byIndex := make(map[int][]string)
	for _, name := range p.SortedLabels() {
		idx := p.Labels[name]
		byIndex[idx] = append(byIndex[idx], name)
	}
	var b strings.Builder
	for i, in := range p.Instructions {
		for _, name := range byIndex[i] {
			fmt.Fprintf(&b, "%s:\n", name)
		}
		fmt.Fprintf(&b, "%4d  %s\n", i, in)
	}
	for _, name := range byIndex[len(p.Instructions)] {
		fmt.Fprintf(&b, "%s:\n", name)
	}
	return b.String()
}
