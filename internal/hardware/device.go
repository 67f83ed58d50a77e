// Package hardware runs compiled programs on a sequencer device and turns
// the words it pushes to its FIFO back into measurement results.
package hardware

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

// FIFOWord is one FIFO entry: three counter values followed by the event label.
type FIFOWord [4]uint32

// Device is a connected sequencer.
type Device interface {
	// Upload replaces the device program.
	Upload(prog *sequencer.Program) error
	// Start begins execution of the uploaded program.
	Start() error
	// Running reports whether the program has not yet halted.
	Running() (bool, error)
	// FIFOLength is the number of words waiting to be read.
	FIFOLength() (int, error)
	// ReadFIFO removes and returns up to n words.
	ReadFIFO(n int) ([]FIFOWord, error)
	Close() error
}

// Driver opens a device for a profile.
type Driver func(p *profile.Profile, logger *zap.Logger) (Device, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a driver available by name. Registering the same
// name twice panics.
func RegisterDriver(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("hardware: RegisterDriver driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("hardware: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = d
}

// Drivers lists registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to the device named by p.Device.
func Open(p *profile.Profile, logger *zap.Logger) (Device, error) {
	driversMu.RLock()
	d, ok := drivers[p.Device.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device driver %q", p.Device.Driver)
	}
	return d(p, logger)
}
