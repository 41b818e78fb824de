package isolation

import (
	"fmt"
	"strings"
)

// Level is a transaction isolation level.
type Level int

// Isolation levels, weakest first. Default is the zero value and stands for
// DefaultLevel.
const (
	Default Level = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

// DefaultLevel is what Default resolves to.
const DefaultLevel = ReadCommitted

var levelNames = map[Level]string{
	Default:         "default",
	ReadUncommitted: "read-uncommitted",
	ReadCommitted:   "read-committed",
	RepeatableRead:  "repeatable-read",
	Serializable:    "serializable",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is Default or one of the four defined levels.
func (l Level) Valid() bool {
	return l >= Default && l <= Serializable
}

// Effective resolves Default to DefaultLevel.
func (l Level) Effective() Level {
	if l == Default {
		return DefaultLevel
	}
	return l
}

// ParseLevel parses a level name. Underscores, spaces and case are ignored.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	for l, name := range levelNames {
		if name == norm {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown isolation level %q", s)
}

// Anomaly is a read phenomenon that an isolation level may permit.
type Anomaly int

const (
	DirtyRead Anomaly = iota
	NonRepeatableRead
	PhantomRead
)

func (a Anomaly) String() string {
	switch a {
	case DirtyRead:
		return "dirty-read"
	case NonRepeatableRead:
		return "non-repeatable-read"
	case PhantomRead:
		return "phantom-read"
	default:
		return fmt.Sprintf("anomaly(%d)", int(a))
	}
}

// Prevents reports whether transactions at level l are protected from a.
func (l Level) Prevents(a Anomaly) bool {
	l = l.Effective()
	switch a {
	case DirtyRead:
		return l >= ReadCommitted
	case NonRepeatableRead:
		return l >= RepeatableRead
	case PhantomRead:
		return l >= Serializable
	default:
		return false
	}
}

// Hold is how long an acquired lock is kept.
type Hold int

const (
	// HoldNone means no lock is taken.
	HoldNone Hold = iota
	// HoldStatement releases the lock when the statement returns.
	HoldStatement
	// HoldTransaction keeps the lock until the owning transaction ends.
	HoldTransaction
)

func (h Hold) String() string {
	switch h {
	case HoldNone:
		return "none"
	case HoldStatement:
		return "statement"
	case HoldTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("hold(%d)", int(h))
	}
}

// Discipline is the locking behaviour a resource applies for one level.
type Discipline struct {
	// ReadLock is the hold for shared locks on rows read.
	ReadLock Hold
	// WriteLock is the hold for exclusive locks on rows written.
	WriteLock Hold
	// PredicateLocks blocks inserts into ranges this transaction has scanned.
	PredicateLocks bool
	// DirtyReads lets readers observe other transactions' uncommitted writes.
	DirtyReads bool
}

// DisciplineFor returns the locking discipline for l. Unknown levels get the
// Serializable discipline.
func DisciplineFor(l Level) Discipline {
	switch l.Effective() {
	case ReadUncommitted:
		return Discipline{ReadLock: HoldNone, WriteLock: HoldStatement, DirtyReads: true}
	case ReadCommitted:
		return Discipline{ReadLock: HoldNone, WriteLock: HoldTransaction}
	case RepeatableRead:
		return Discipline{ReadLock: HoldTransaction, WriteLock: HoldTransaction}
	default:
		return Discipline{ReadLock: HoldTransaction, WriteLock: HoldTransaction, PredicateLocks: true}
	}
}
