package txn

import (
	"database/sql"
	"fmt"
	"strings"
)

type Propagation int

const (
	// PropagationRequired joins the transaction bound to the scope, or
	// begins a new one when none is bound.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew suspends a bound transaction and always begins
	// a new one.
	PropagationRequiresNew
	// PropagationMandatory joins the bound transaction and fails without one.
	PropagationMandatory
	// PropagationNever fails when a transaction is bound.
	PropagationNever
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationNever:
		return "NEVER"
	default:
		return "UNKNOWN"
	}
}

func ParsePropagation(s string) (Propagation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "REQUIRED":
		return PropagationRequired, nil
	case "REQUIRES_NEW":
		return PropagationRequiresNew, nil
	case "MANDATORY":
		return PropagationMandatory, nil
	case "NEVER":
		return PropagationNever, nil
	default:
		return PropagationRequired, fmt.Errorf("unknown propagation %q", s)
	}
}

func ParseIsolation(s string) (sql.IsolationLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DEFAULT":
		return sql.LevelDefault, nil
	case "READ_UNCOMMITTED":
		return sql.LevelReadUncommitted, nil
	case "READ_COMMITTED":
		return sql.LevelReadCommitted, nil
	case "REPEATABLE_READ":
		return sql.LevelRepeatableRead, nil
	case "SERIALIZABLE":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", s)
	}
}

// Definition describes how a transaction is begun. It is a value and is
// never mutated once handed to a manager.
type Definition struct {
	Name        string
	Propagation Propagation
	Isolation   sql.IsolationLevel
	ReadOnly    bool
}

func DefaultDefinition() Definition {
	return Definition{Propagation: PropagationRequired, Isolation: sql.LevelDefault}
}

func (d Definition) Validate() error {
	if d.Propagation < PropagationRequired || d.Propagation > PropagationNever {
		return fmt.Errorf("invalid propagation %d", d.Propagation)
	}
	switch d.Isolation {
	case sql.LevelDefault, sql.LevelReadUncommitted, sql.LevelReadCommitted,
		sql.LevelRepeatableRead, sql.LevelSerializable:
		return nil
	default:
		return fmt.Errorf("unsupported isolation level %s", d.Isolation)
	}
}

func (d Definition) String() string {
	return fmt.Sprintf("%s[%s,%s,readOnly=%t]", d.Name, d.Propagation, d.Isolation, d.ReadOnly)
}
