package ddl

import (
	"fmt"
	"strings"
)

// Kind classifies a generated statement.
type Kind int

const (
	KindEnum Kind = iota
	KindSequence
	KindTable
	KindSequenceOwner
	KindPrimaryKey
	KindUnique
	KindCheck
	KindIndex
	KindForeignKey
)

func (k Kind) String() string {
	switch k {
	case KindEnum:
		return "enum"
	case KindSequence:
		return "sequence"
	case KindTable:
		return "table"
	case KindSequenceOwner:
		return "sequence_owner"
	case KindPrimaryKey:
		return "primary_key"
	case KindUnique:
		return "unique"
	case KindCheck:
		return "check"
	case KindIndex:
		return "index"
	case KindForeignKey:
		return "foreign_key"
	default:
		return "unknown"
	}
}

// Statement is one DDL statement together with what it creates.
//
// Foreign keys are deferred: they name RefTable and must only run once that
// table exists in the target. Every other statement is immediate.
type Statement struct {
	Kind      Kind
	Schema    string
	Table     string // table the statement belongs to
	Object    string // name of the created type, sequence, table, constraint or index
	RefSchema string // foreign keys only
	RefTable  string // foreign keys only
	SQL       string
}

// Deferred reports whether the statement depends on another table.
func (s Statement) Deferred() bool {
	return s.Kind == KindForeignKey
}

func (s Statement) String() string {
	return s.SQL
}

// Split separates immediate statements from deferred ones, keeping order.
func Split(stmts []Statement) (immediate, deferred []Statement) {
	for _, s := range stmts {
		if s.Deferred() {
			deferred = append(deferred, s)
		} else {
			immediate = append(immediate, s)
		}
	}
	return immediate, deferred
}

// Script renders statements as an executable SQL script. Deferred
// statements are preceded by a comment naming the table they wait for.
func Script(stmts []Statement) string {
	var sb strings.Builder
	for i, s := range stmts {
		if i > 0 {
			sb.WriteString("\n")
		}
		if s.Deferred() {
			fmt.Fprintf(&sb, "-- deferred until %s exists\n", s.RefTable)
		}
		sb.WriteString(s.SQL)
		sb.WriteString(";\n")
	}
	return sb.String()
}
