package models

// Gate names accepted in the circuit IR.
const (
	OpID      = "id"
	OpRX      = "rx"
	OpRY      = "ry"
	OpRXX     = "rxx"
	OpMeasure = "measure"
	OpDetect  = "detect"
	OpBarrier = "barrier"
)

// BasisOps is the gate set a producing adapter may emit.
var BasisOps = []string{OpID, OpRX, OpRY, OpRXX, OpMeasure, OpBarrier}

// Circuit is the portable intermediate representation consumed by the compiler.
type Circuit struct {
	Layers    []Layer `json:"circuit"`
	Shots     int     `json:"shots"`
	NumQubits int     `json:"num_qubits"`
}

// Layer is a set of operations meant to run in parallel. The compiler lowers
// them one after another.
type Layer []GateOp

// GateOp is one operation inside a layer.
type GateOp struct {
	Op     string    `json:"op"`
	Params []float64 `json:"params"`
	Qargs  []int     `json:"qargs"`
	Cargs  []int     `json:"cargs"`
}

// NumMeasurements counts measure operations across all layers.
func (c Circuit) NumMeasurements() int {
	n := 0
	for _, layer := range c.Layers {
		for _, op := range layer {
			if op.Op == OpMeasure || op.Op == OpDetect {
				n++
			}
		}
	}
	return n
}
