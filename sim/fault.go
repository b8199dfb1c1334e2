package sim

import "fmt"

// FaultKind is a failure the controller model can inject
type FaultKind uint8

const (
	FaultNone            FaultKind = iota
	FaultCommandHang               // Command never completes
	FaultResponseCRC               // Response received with a CRC error
	FaultResponseTimeout           // Card never answers
	FaultDataCRC                   // Data phase ends with a CRC error
	FaultDataTimeout               // Data never arrives
)

var faultNames = [...]string{"none", "command-hang", "response-crc", "response-timeout", "data-crc", "data-timeout"}

func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// AnyCommand matches every command index
const AnyCommand = 0xFF

// Fault is an injected failure. It applies to the next Count matching
// commands, or to every matching command while Count is 0.
type Fault struct {
	Kind    FaultKind
	Command uint8
	Count   int
}

func (f Fault) matches(index uint8) bool {
	return f.Command == AnyCommand || f.Command == index
}

// InjectFault arms a fault
func (s *Controller) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// ClearFaults disarms all faults
func (s *Controller) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// takeFault returns the first armed fault of one of kinds matching index
// and consumes one use of it
func (s *Controller) takeFault(index uint8, kinds ...FaultKind) FaultKind {
	for i, f := range s.faults {
		if !f.matches(index) {
			continue
		}
		for _, k := range kinds {
			if f.Kind != k {
				continue
			}
			if f.Count > 0 {
				s.faults[i].Count--
				if s.faults[i].Count == 0 {
					s.faults = append(s.faults[:i], s.faults[i+1:]...)
				}
			}
			return k
		}
	}
	return FaultNone
}
