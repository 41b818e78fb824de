package txn

import (
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/conduit/internal/isolation"
)

// Propagation decides how a call relates to an already active transaction.
type Propagation int

const (
	// Required joins the active record or begins a new one.
	Required Propagation = iota
	// RequiresNew suspends the active record, if any, and begins a new one.
	RequiresNew
	// Supports joins the active record or runs without a transaction.
	Supports
	// NotSupported suspends the active record, if any, and runs without one.
	NotSupported
	// Mandatory joins the active record and fails when there is none.
	Mandatory
	// Never runs without a transaction and fails when one is active.
	Never
)

var propagationNames = [...]string{
	Required:     "required",
	RequiresNew:  "requires-new",
	Supports:     "supports",
	NotSupported: "not-supported",
	Mandatory:    "mandatory",
	Never:        "never",
}

func (p Propagation) String() string {
	if p.Valid() {
		return propagationNames[p]
	}
	return fmt.Sprintf("propagation(%d)", int(p))
}

// Valid reports whether p is one of the six propagation modes.
func (p Propagation) Valid() bool {
	return p >= Required && p <= Never
}

// ParsePropagation parses a propagation name such as "requires-new".
func ParsePropagation(s string) (Propagation, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	for i, name := range propagationNames {
		if name == norm {
			return Propagation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown propagation %q", s)
}

// Descriptor declares the transactional behaviour of a body.
type Descriptor struct {
	Propagation Propagation
	Isolation   isolation.Level
	ReadOnly    bool
	// Timeout bounds a record begun for this descriptor. Zero means none.
	// Joining calls inherit the owner's deadline.
	Timeout time.Duration
}

// Validate reports whether the descriptor names known modes.
func (d Descriptor) Validate() error {
	if !d.Propagation.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, d.Propagation)
	}
	if !d.Isolation.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, d.Isolation)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidDescriptor, d.Timeout)
	}
	return nil
}

// Options are handed to Resource.Begin.
type Options struct {
	Isolation isolation.Level
	ReadOnly  bool
}
