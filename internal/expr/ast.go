package expr

// Op identifies an operator in a transform expression. The set is closed:
// unknown names are rejected at parse time, not at evaluation time.
type Op string

const (
	OpAdd      Op = "add"
	OpSubtract Op = "subtract"
	OpMultiply Op = "multiply"
	OpDivide   Op = "divide"
	OpPower    Op = "power"
	OpModulo   Op = "modulo"
	OpMax      Op = "max"
	OpMin      Op = "min"
	OpSum      Op = "sum"
	OpAbs      Op = "abs"
	OpRound    Op = "round"
	OpSqrt     Op = "sqrt"
	OpLog      Op = "log"
	OpLog10    Op = "log10"
	OpExp      Op = "exp"
	OpSin      Op = "sin"
	OpCos      Op = "cos"
	OpTan      Op = "tan"
)

// arity describes how many arguments an operator accepts.
// max = 0 means unbounded (variadic fold).
type arity struct {
	min, max int
}

var opArity = map[Op]arity{
	OpAdd:      {1, 0},
	OpMultiply: {1, 0},
	OpMax:      {1, 0},
	OpMin:      {1, 0},
	OpSum:      {1, 0},
	OpSubtract: {2, 2},
	OpDivide:   {2, 2},
	OpPower:    {2, 2},
	OpModulo:   {2, 2},
	OpAbs:      {1, 1},
	OpRound:    {1, 1},
	OpSqrt:     {1, 1},
	OpLog:      {1, 1},
	OpLog10:    {1, 1},
	OpExp:      {1, 1},
	OpSin:      {1, 1},
	OpCos:      {1, 1},
	OpTan:      {1, 1},
}

// Node is a single node of a parsed transform expression tree.
type Node interface {
	node()
}

// FieldRef references another canonical field's value in the current
// evaluation context.
type FieldRef struct {
	Name string
}

// Constant is a numeric literal.
type Constant struct {
	Value float64
}

// Operation applies an operator to evaluated child nodes.
type Operation struct {
	Op   Op
	Args []Node
}

func (FieldRef) node()  {}
func (Constant) node()  {}
func (Operation) node() {}

// References returns the canonical field names referenced anywhere in the
// tree, deduplicated, in first-seen order.
func References(n Node) []string {
	var out []string
	seen := make(map[string]bool)
	walk(n, func(f FieldRef) {
		if !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	})
	return out
}

func walk(n Node, visit func(FieldRef)) {
	switch v := n.(type) {
	case FieldRef:
		visit(v)
	case Operation:
		for _, arg := range v.Args {
			walk(arg, visit)
		}
	}
}
