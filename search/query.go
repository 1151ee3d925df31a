package search

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/orian/sheetsmith/models"
)

// Occur decides how a clause contributes to its group.
type Occur int

const (
	// Should clauses filter only when the group has no Must clause; any one
	// of them matching is enough.
	Should Occur = iota
	Must
	MustNot
)

func (o Occur) String() string {
	switch o {
	case Must:
		return "+"
	case MustNot:
		return "-"
	}
	return ""
}

// Op compares a field with a value.
type Op string

const (
	OpEq    Op = "="
	OpNe    Op = "!="
	OpLt    Op = "<"
	OpLe    Op = "<="
	OpGt    Op = ">"
	OpGe    Op = ">="
	OpMatch Op = "~"
)

// ops is ordered so that two character operators are tried first.
var ops = []Op{OpNe, OpLe, OpGe, OpEq, OpLt, OpGt, OpMatch}

// Node is a Group or a Leaf.
type Node interface {
	fields(func(string))
}

type Group struct {
	Clauses []Clause
}

type Clause struct {
	Occur Occur
	Node  Node
}

// Leaf compares one field. Value is a string, bool or number; strings are
// converted to the column's type when the query is compiled.
type Leaf struct {
	Field string
	Op    Op
	Value any
}

func (g Group) fields(fn func(string)) {
	for _, c := range g.Clauses {
		c.Node.fields(fn)
	}
}

func (l Leaf) fields(fn func(string)) { fn(l.Field) }

// Fields lists the distinct field names n refers to, in first-use order.
func Fields(n Node) []string {
	if n == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	n.fields(func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	})
	return out
}

// Query selects documents from an index. Results are ordered by sheet name
// then row id, so Offset restarts a previous iteration.
type Query struct {
	// Sheets limits the search; empty searches every sheet whose columns
	// cover the fields named by Where.
	Sheets []string

	// Where filters documents. nil matches every row.
	Where Node

	Offset int

	// Limit caps the number of documents; 0 means no cap.
	Limit int
}

// ParseQuery parses the textual query syntax:
//
//	+Name="Fire Shard" -Id>5 (Name~Shard Name~Crystal)
//
// A clause is an optional "+" (must) or "-" (must not) followed by either a
// comparison or a parenthesised group. Values may be double quoted.
func ParseQuery(s string) (Group, error) {
	p := &parser{src: s}
	g, err := p.group(false)
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: at %d: %s", models.ErrQueryMismatch, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) group(nested bool) (Group, error) {
	var g Group
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			if nested {
				return g, p.errorf("unclosed group")
			}
			return g, nil
		}
		if p.src[p.pos] == ')' {
			if !nested {
				return g, p.errorf("unexpected )")
			}
			p.pos++
			return g, nil
		}

		occur := Should
		switch p.src[p.pos] {
		case '+':
			occur = Must
			p.pos++
		case '-':
			occur = MustNot
			p.pos++
		}

		var node Node
		if p.pos < len(p.src) && p.src[p.pos] == '(' {
			p.pos++
			inner, err := p.group(true)
			if err != nil {
				return g, err
			}
			node = inner
		} else {
			leaf, err := p.leaf()
			if err != nil {
				return g, err
			}
			node = leaf
		}
		g.Clauses = append(g.Clauses, Clause{Occur: occur, Node: node})
	}
}

func isFieldByte(c byte) bool {
	return c == '_' || c == '.' || c == '[' || c == ']' ||
		('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func (p *parser) leaf() (Leaf, error) {
	start := p.pos
	for p.pos < len(p.src) && isFieldByte(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return Leaf{}, p.errorf("expected field name")
	}
	field := p.src[start:p.pos]

	var op Op
	for _, o := range ops {
		if strings.HasPrefix(p.src[p.pos:], string(o)) {
			op = o
			break
		}
	}
	if op == "" {
		return Leaf{}, p.errorf("expected operator after %s", field)
	}
	p.pos += len(op)

	value, err := p.value()
	if err != nil {
		return Leaf{}, err
	}
	return Leaf{Field: field, Op: op, Value: value}, nil
}

func (p *parser) value() (string, error) {
	if p.pos < len(p.src) && p.src[p.pos] == '"' {
		var b strings.Builder
		p.pos++
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			switch {
			case c == '\\' && p.pos+1 < len(p.src):
				b.WriteByte(p.src[p.pos+1])
				p.pos += 2
			case c == '"':
				p.pos++
				return b.String(), nil
			default:
				b.WriteByte(c)
				p.pos++
			}
		}
		return "", p.errorf("unterminated string")
	}
	start := p.pos
	for p.pos < len(p.src) && !unicode.IsSpace(rune(p.src[p.pos])) && p.src[p.pos] != ')' {
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("expected value")
	}
	return p.src[start:p.pos], nil
}

// column is one indexed column as seen by the query compiler.
type column struct {
	name string
	sql  string
	typ  models.ColumnType
}

// compile renders n as an SQL condition over cols. Fields missing from cols
// wrap ErrQueryMismatch.
func compile(n Node, cols map[string]column) (string, []any, error) {
	switch n := n.(type) {
	case nil:
		return "1", nil, nil
	case Group:
		return compileGroup(n, cols)
	case *Group:
		return compileGroup(*n, cols)
	case Leaf:
		return compileLeaf(n, cols)
	case *Leaf:
		return compileLeaf(*n, cols)
	}
	return "", nil, fmt.Errorf("%w: unsupported node %T", models.ErrQueryMismatch, n)
}

func compileGroup(g Group, cols map[string]column) (string, []any, error) {
	var (
		conds   []string
		shoulds []string
		args    []any
		sargs   []any
		musts   int
	)
	for _, c := range g.Clauses {
		cond, a, err := compile(c.Node, cols)
		if err != nil {
			return "", nil, err
		}
		switch c.Occur {
		case Must:
			musts++
			conds = append(conds, cond)
			args = append(args, a...)
		case MustNot:
			conds = append(conds, "NOT "+cond)
			args = append(args, a...)
		default:
			shoulds = append(shoulds, cond)
			sargs = append(sargs, a...)
		}
	}
	if musts == 0 && len(shoulds) > 0 {
		conds = append(conds, "("+strings.Join(shoulds, " OR ")+")")
		args = append(args, sargs...)
	}
	if len(conds) == 0 {
		return "1", nil, nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func compileLeaf(l Leaf, cols map[string]column) (string, []any, error) {
	col, ok := cols[l.Field]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown field %s", models.ErrQueryMismatch, l.Field)
	}
	if l.Op == OpMatch {
		if col.typ != models.ColumnString {
			return "", nil, fmt.Errorf("%w: %s is %s, ~ needs a string column", models.ErrQueryMismatch, l.Field, col.typ)
		}
		return col.sql + ` LIKE ? ESCAPE '\'`, []any{"%" + likeEscaper.Replace(fmt.Sprint(l.Value)) + "%"}, nil
	}
	switch l.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
	default:
		return "", nil, fmt.Errorf("%w: unknown operator %q", models.ErrQueryMismatch, l.Op)
	}
	v, err := coerce(col.typ, l.Value)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", models.ErrQueryMismatch, l.Field, err)
	}
	op := string(l.Op)
	if l.Op == OpNe {
		op = "<>"
	}
	return col.sql + " " + op + " ?", []any{v}, nil
}

// coerce converts a query value to the representation stored for typ.
func coerce(typ models.ColumnType, v any) (any, error) {
	s, isString := v.(string)
	switch typ {
	case models.ColumnString:
		return fmt.Sprint(v), nil
	case models.ColumnBool:
		if isString {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, err
			}
			v = b
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%v is not a bool", v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case models.ColumnInt:
		if isString {
			return strconv.ParseInt(s, 10, 64)
		}
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case uint32:
			return int64(n), nil
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case models.ColumnUint:
		if isString {
			// Negative bounds stay valid comparisons against unsigned values.
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			u, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, err
			}
			return uintArg(u), nil
		}
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case uint32:
			return int64(n), nil
		case uint64:
			return uintArg(n), nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case models.ColumnFloat:
		if isString {
			return strconv.ParseFloat(s, 64)
		}
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
	}
	return nil, fmt.Errorf("%v does not fit %s", v, typ)
}

// String renders g in the textual syntax ParseQuery accepts.
func (g Group) String() string {
	parts := make([]string, len(g.Clauses))
	for i, c := range g.Clauses {
		switch n := c.Node.(type) {
		case Group:
			parts[i] = c.Occur.String() + "(" + n.String() + ")"
		case Leaf:
			parts[i] = c.Occur.String() + n.String()
		default:
			parts[i] = c.Occur.String() + fmt.Sprint(n)
		}
	}
	return strings.Join(parts, " ")
}

func (l Leaf) String() string {
	return l.Field + string(l.Op) + strconv.Quote(fmt.Sprint(l.Value))
}
