package storage

import (
	"fmt"
	"strings"
)

// Op is a Condition comparison operator (spec.md §4.2).
type Op int

const (
	Equals Op = iota
	NotEquals
	Is
	IsNot
	Less
	LessOrEqual
	Greater
	GreaterOrEqual
	In
	NotIn
	Like
)

func (op Op) sql() string {
	switch op {
	case Equals:
		return "="
	case NotEquals:
		return "<>"
	case Is:
		return "IS"
	case IsNot:
		return "IS NOT"
	case Less:
		return "<"
	case LessOrEqual:
		return "<="
	case Greater:
		return ">"
	case GreaterOrEqual:
		return ">="
	case In:
		return "IN"
	case NotIn:
		return "NOT IN"
	case Like:
		return "LIKE"
	default:
		return "="
	}
}

// Combinator joins a Condition's Children.
type Combinator int

const (
	And Combinator = iota
	Or
)

// Condition is a node in a WHERE-tree: either a leaf comparison
// (Column/Op/Value) or an And/Or combination of Children.
type Condition struct {
	Column   string
	Op       Op
	Value    interface{} // used by all ops except In/NotIn
	Values   []interface{} // used by In/NotIn
	Combine  Combinator
	Children []Condition
}

// Col builds a leaf Condition comparing Column to Value with Op.
func Col(column string, op Op, value interface{}) Condition {
	return Condition{Column: column, Op: op, Value: value}
}

// InList builds an In/NotIn leaf Condition.
func InList(column string, op Op, values []interface{}) Condition {
	return Condition{Column: column, Op: op, Values: values}
}

// Group combines children with the given Combinator.
func Group(combine Combinator, children ...Condition) Condition {
	return Condition{Combine: combine, Children: children}
}

func (c Condition) isLeaf() bool { return c.Children == nil }

// Build compiles the Condition tree into a SQL fragment (without the
// leading "WHERE") and its ordered bound-parameter arguments, using
// b's placeholder syntax. argN is the 1-indexed running placeholder
// counter (relevant for PostgreSQL's "$N" syntax); callers building a
// full statement should start it at 1.
func (c Condition) Build(b *Backend, argN *int) (string, []interface{}) {
	if c.isLeaf() {
		return c.buildLeaf(b, argN)
	}
	if len(c.Children) == 0 {
		return "TRUE", nil
	}
	var parts []string
	var args []interface{}
	for _, child := range c.Children {
		frag, childArgs := child.Build(b, argN)
		parts = append(parts, "("+frag+")")
		args = append(args, childArgs...)
	}
	joiner := " AND "
	if c.Combine == Or {
		joiner = " OR "
	}
	return strings.Join(parts, joiner), args
}

func (c Condition) buildLeaf(b *Backend, argN *int) (string, []interface{}) {
	switch c.Op {
	case In, NotIn:
		if len(c.Values) == 0 {
			// An empty IN() matches nothing; an empty NOT IN() matches
			// everything. Short-circuit rather than emit invalid SQL.
			if c.Op == In {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		placeholders := make([]string, len(c.Values))
		for i := range c.Values {
			placeholders[i] = b.Placeholder(*argN)
			*argN++
		}
		frag := fmt.Sprintf("%s %s (%s)", c.Column, c.Op.sql(), strings.Join(placeholders, ", "))
		return frag, append([]interface{}{}, c.Values...)
	default:
		ph := b.Placeholder(*argN)
		*argN++
		return fmt.Sprintf("%s %s %s", c.Column, c.Op.sql(), ph), []interface{}{c.Value}
	}
}

// OrderBy is an optional ORDER BY clause; the query builder imposes
// no ordering unless one is requested (spec.md §4.2).
type OrderBy struct {
	Column string
	Desc   bool
}

// SelectQuery composes a SELECT statement.
type SelectQuery struct {
	Table   string
	Columns []string
	Joins   []string // raw "JOIN ..." fragments, explicit per spec.md §4.2
	Where   *Condition
	Order   []OrderBy
	Limit   int // 0 means unlimited
}

// Build compiles the SELECT into SQL and its bound arguments.
func (q SelectQuery) Build(b *Backend) (string, []interface{}) {
	var buf strings.Builder
	buf.WriteString("SELECT ")
	buf.WriteString(strings.Join(q.Columns, ", "))
	buf.WriteString(" FROM ")
	buf.WriteString(q.Table)
	for _, j := range q.Joins {
		buf.WriteString(" ")
		buf.WriteString(j)
	}
	var args []interface{}
	if q.Where != nil {
		argN := 1
		frag, whereArgs := q.Where.Build(b, &argN)
		buf.WriteString(" WHERE ")
		buf.WriteString(frag)
		args = whereArgs
	}
	if len(q.Order) > 0 {
		buf.WriteString(" ORDER BY ")
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = o.Column + " " + dir
		}
		buf.WriteString(strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		buf.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	return buf.String(), args
}

// InsertQuery composes a batch INSERT over column arrays
// (spec.md §4.2: "Inserts accept column arrays for batch execution").
type InsertQuery struct {
	Table   string
	Columns []string
	Rows    [][]interface{}
}

// Build compiles one multi-row INSERT statement and its flattened
// arguments, in row-major order.
func (q InsertQuery) Build(b *Backend) (string, []interface{}) {
	var buf strings.Builder
	buf.WriteString("INSERT INTO ")
	buf.WriteString(q.Table)
	buf.WriteString(" (")
	buf.WriteString(strings.Join(q.Columns, ", "))
	buf.WriteString(") VALUES ")

	argN := 1
	var args []interface{}
	rowFrags := make([]string, len(q.Rows))
	for ri, row := range q.Rows {
		placeholders := make([]string, len(row))
		for ci, v := range row {
			placeholders[ci] = b.Placeholder(argN)
			argN++
			args = append(args, v)
		}
		rowFrags[ri] = "(" + strings.Join(placeholders, ", ") + ")"
	}
	buf.WriteString(strings.Join(rowFrags, ", "))
	return buf.String(), args
}

// UpdateQuery composes an UPDATE ... SET ... WHERE statement.
type UpdateQuery struct {
	Table string
	Set   map[string]interface{}
	Where Condition
}

// Build compiles the UPDATE into SQL and its bound arguments, with
// SET column order made deterministic via setOrder.
func (q UpdateQuery) Build(b *Backend, setOrder []string) (string, []interface{}) {
	var buf strings.Builder
	buf.WriteString("UPDATE ")
	buf.WriteString(q.Table)
	buf.WriteString(" SET ")

	argN := 1
	var args []interface{}
	parts := make([]string, len(setOrder))
	for i, col := range setOrder {
		parts[i] = fmt.Sprintf("%s = %s", col, b.Placeholder(argN))
		argN++
		args = append(args, q.Set[col])
	}
	buf.WriteString(strings.Join(parts, ", "))

	frag, whereArgs := q.Where.Build(b, &argN)
	buf.WriteString(" WHERE ")
	buf.WriteString(frag)
	args = append(args, whereArgs...)

	return buf.String(), args
}

// DeleteQuery composes a DELETE ... WHERE statement.
type DeleteQuery struct {
	Table string
	Where Condition
}

// Build compiles the DELETE into SQL and its bound arguments.
func (q DeleteQuery) Build(b *Backend) (string, []interface{}) {
	argN := 1
	frag, args := q.Where.Build(b, &argN)
	return fmt.Sprintf("DELETE FROM %s WHERE %s", q.Table, frag), args
}
