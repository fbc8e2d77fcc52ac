package tiledb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Expression is an infix boolean predicate over attribute names,
// evaluated per cell during reads. Surviving cells are compacted in
// place afterwards.
type Expression struct {
	expression string

	schema       *ArraySchema
	attributeIDs []int
	attributes   []string

	ast        *exprAST
	referenced map[string]bool

	initialized bool
}

// emptyValueError signals an attribute element holding the type's
// empty sentinel; the cell is included without applying the predicate.
type emptyValueError struct{}

func (emptyValueError) Error() string {
	return "filter expression met an empty value; including the cell"
}

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Float", Pattern: `\d+\.\d+`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "String", Pattern: `"[^"]*"|'[^']*'`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Op", Pattern: `\|\||&&|\|=|&=|==|!=|<=|>=|[-+*/%!<>()\[\],]`},
	{Name: "whitespace", Pattern: `\s+`},
})

var exprParser = participle.MustBuild[exprAST](
	participle.Lexer(exprLexer),
	participle.UseLookahead(2),
)

type exprAST struct {
	Or *orExpr `parser:"@@"`
}

type orExpr struct {
	Left *andExpr   `parser:"@@"`
	Rest []*andExpr `parser:"( '||' @@ )*"`
}

type andExpr struct {
	Left *cmpExpr   `parser:"@@"`
	Rest []*cmpExpr `parser:"( '&&' @@ )*"`
}

type cmpExpr struct {
	Left  *addExpr `parser:"@@"`
	Op    string   `parser:"( @( '==' | '!=' | '<=' | '>=' | '<' | '>' | '|=' | '&=' )"`
	Right *addExpr `parser:"  @@ )?"`
}

type addExpr struct {
	Left *mulExpr `parser:"@@"`
	Rest []*addOp `parser:"@@*"`
}

type addOp struct {
	Op   string   `parser:"@( '+' | '-' )"`
	Term *mulExpr `parser:"@@"`
}

type mulExpr struct {
	Left *unaryExpr `parser:"@@"`
	Rest []*mulOp   `parser:"@@*"`
}

type mulOp struct {
	Op   string     `parser:"@( '*' | '/' | '%' )"`
	Term *unaryExpr `parser:"@@"`
}

type unaryExpr struct {
	Op      string   `parser:"@( '!' | '-' )?"`
	Primary *primary `parser:"@@"`
}

type primary struct {
	Call  *funcCall `parser:"  @@"`
	Float *string   `parser:"| @Float"`
	Int   *string   `parser:"| @Int"`
	Str   *string   `parser:"| @String"`
	Bool  *string   `parser:"| @( 'true' | 'false' )"`
	Var   *varRef   `parser:"| @@"`
	Sub   *exprAST  `parser:"| '(' @@ ')'"`
}

type funcCall struct {
	Name string     `parser:"@Ident '('"`
	Args []*exprAST `parser:"( @@ ( ',' @@ )* )? ')'"`
}

type varRef struct {
	Name  string  `parser:"@Ident"`
	Index *string `parser:"( '[' @Int ']' )?"`
}

// NewExpression wraps a textual filter; Init must run before use.
func NewExpression(expression string) *Expression {
	return &Expression{expression: expression}
}

// genomicAlias rewrites the domain shorthands to their underlying
// forms before parsing, recognized only on the 2-dimensional
// column-major layout.
var genomicAlias = regexp.MustCompile(`(ROW)|(POS)|(!ISHOMREF)|(!ISHOMALT)|(!ISHET)|(ISHOMREF)|(ISHOMALT)|(ISHET)`)

func rewriteAliases(expression string) string {
	return genomicAlias.ReplaceAllStringFunc(expression, func(m string) string {
		switch m {
		case "ROW":
			return CoordsName + "[0]"
		case "POS":
			return CoordsName + "[1]"
		case "ISHOMREF":
			return "ishomref(GT)"
		case "ISHOMALT":
			return "ishomalt(GT)"
		case "ISHET":
			return "ishet(GT)"
		case "!ISHOMREF":
			return "(ishomref(GT) == false)"
		case "!ISHOMALT":
			return "(ishomalt(GT) == false)"
		case "!ISHET":
			return "(ishet(GT) == false)"
		}
		return m
	})
}

// Init binds the expression to an array's selected attributes. Dense
// arrays, unknown attribute references and parse failures are errors.
func (e *Expression) Init(attributeIDs []int, schema *ArraySchema) error {
	e.schema = schema
	e.attributeIDs = attributeIDs
	e.attributes = nil
	for _, id := range attributeIDs {
		e.attributes = append(e.attributes, schema.AttributeName(id))
	}
	if schema.Dense {
		return fmt.Errorf("filter expressions are not supported for dense arrays")
	}
	if e.expression == "" {
		e.initialized = true
		return nil
	}
	expression := e.expression
	if schema.DimNum() == 2 && schema.CellOrder == ColMajor {
		expression = rewriteAliases(expression)
	}
	ast, err := exprParser.ParseString("", expression)
	if err != nil {
		return fmt.Errorf("parse error for filter expression %q: %w", e.expression, err)
	}
	e.ast = ast
	e.referenced = make(map[string]bool)
	collectIdents(ast, e.referenced)
	for name := range e.referenced {
		found := false
		for _, attr := range e.attributes {
			if attr == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("attribute %s in expression filter not present in the array schema", name)
		}
	}
	e.initialized = true
	return nil
}

func collectIdents(ast *exprAST, out map[string]bool) {
	var walkOr func(*orExpr)
	var walkPrimary func(*primary)
	walkPrimary = func(p *primary) {
		switch {
		case p.Call != nil:
			for _, arg := range p.Call.Args {
				walkOr(arg.Or)
			}
		case p.Var != nil:
			out[p.Var.Name] = true
		case p.Sub != nil:
			walkOr(p.Sub.Or)
		}
	}
	walkCmp := func(c *cmpExpr) {
		for _, add := range []*addExpr{c.Left, c.Right} {
			if add == nil {
				continue
			}
			walkMul := func(m *mulExpr) {
				walkPrimary(m.Left.Primary)
				for _, r := range m.Rest {
					walkPrimary(r.Term.Primary)
				}
			}
			walkMul(add.Left)
			for _, r := range add.Rest {
				walkMul(r.Term)
			}
		}
	}
	walkOr = func(o *orExpr) {
		walkAnd := func(a *andExpr) {
			walkCmp(a.Left)
			for _, c := range a.Rest {
				walkCmp(c)
			}
		}
		walkAnd(o.Left)
		for _, a := range o.Rest {
			walkAnd(a)
		}
	}
	walkOr(ast.Or)
}

// exprEnv carries the per-cell attribute values during evaluation.
type exprEnv struct {
	vars map[string]exprValue
}

func (ast *exprAST) eval(env *exprEnv) (exprValue, error) { return ast.Or.eval(env) }

func (o *orExpr) eval(env *exprEnv) (exprValue, error) {
	v, err := o.Left.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	for _, rest := range o.Rest {
		if v.kind != kindBool {
			return exprValue{}, fmt.Errorf("operator || not supported for %s", v.kindName())
		}
		if v.b {
			return boolVal(true), nil
		}
		v, err = rest.eval(env)
		if err != nil {
			return exprValue{}, err
		}
	}
	return v, nil
}

func (a *andExpr) eval(env *exprEnv) (exprValue, error) {
	v, err := a.Left.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	for _, rest := range a.Rest {
		if v.kind != kindBool {
			return exprValue{}, fmt.Errorf("operator && not supported for %s", v.kindName())
		}
		if !v.b {
			return boolVal(false), nil
		}
		v, err = rest.eval(env)
		if err != nil {
			return exprValue{}, err
		}
	}
	return v, nil
}

func (c *cmpExpr) eval(env *exprEnv) (exprValue, error) {
	left, err := c.Left.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	if c.Op == "" {
		return left, nil
	}
	right, err := c.Right.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	switch c.Op {
	case "|=":
		if left.kind != kindString || right.kind != kindString {
			return exprValue{}, fmt.Errorf("operator |= needs string operands, got %s and %s", left.kindName(), right.kindName())
		}
		return boolVal(splitCompare(left.s, pipedSep, right.s)), nil
	case "&=":
		if left.kind != kindString || right.kind != kindString {
			return exprValue{}, fmt.Errorf("operator &= needs string operands, got %s and %s", left.kindName(), right.kindName())
		}
		ok, err := compareAll(left.s, right.s)
		if err != nil {
			return exprValue{}, err
		}
		return boolVal(ok), nil
	default:
		return relational(c.Op, left, right)
	}
}

func (a *addExpr) eval(env *exprEnv) (exprValue, error) {
	v, err := a.Left.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	for _, rest := range a.Rest {
		r, err := rest.Term.eval(env)
		if err != nil {
			return exprValue{}, err
		}
		if v, err = arith(rest.Op, v, r); err != nil {
			return exprValue{}, err
		}
	}
	return v, nil
}

func (m *mulExpr) eval(env *exprEnv) (exprValue, error) {
	v, err := m.Left.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	for _, rest := range m.Rest {
		r, err := rest.Term.eval(env)
		if err != nil {
			return exprValue{}, err
		}
		if v, err = arith(rest.Op, v, r); err != nil {
			return exprValue{}, err
		}
	}
	return v, nil
}

func (u *unaryExpr) eval(env *exprEnv) (exprValue, error) {
	v, err := u.Primary.eval(env)
	if err != nil {
		return exprValue{}, err
	}
	switch u.Op {
	case "":
		return v, nil
	case "!":
		if v.kind != kindBool {
			return exprValue{}, fmt.Errorf("operator ! not supported for %s", v.kindName())
		}
		return boolVal(!v.b), nil
	case "-":
		switch v.kind {
		case kindInt:
			return intVal(-v.i), nil
		case kindFloat:
			return floatVal(-v.f), nil
		}
		return exprValue{}, fmt.Errorf("operator - not supported for %s", v.kindName())
	}
	return exprValue{}, fmt.Errorf("unknown unary operator %q", u.Op)
}

func (p *primary) eval(env *exprEnv) (exprValue, error) {
	switch {
	case p.Call != nil:
		return p.Call.eval(env)
	case p.Float != nil:
		f, err := strconv.ParseFloat(*p.Float, 64)
		if err != nil {
			return exprValue{}, err
		}
		return floatVal(f), nil
	case p.Int != nil:
		i, err := strconv.ParseInt(*p.Int, 10, 64)
		if err != nil {
			return exprValue{}, err
		}
		return intVal(i), nil
	case p.Str != nil:
		s := *p.Str
		return strVal(s[1 : len(s)-1]), nil
	case p.Bool != nil:
		return boolVal(*p.Bool == "true"), nil
	case p.Var != nil:
		return p.Var.eval(env)
	case p.Sub != nil:
		return p.Sub.eval(env)
	}
	return exprValue{}, fmt.Errorf("empty expression term")
}

func (v *varRef) eval(env *exprEnv) (exprValue, error) {
	val, ok := env.vars[v.Name]
	if !ok {
		return exprValue{}, fmt.Errorf("attribute %s has no value for this cell", v.Name)
	}
	if v.Index == nil {
		return val, nil
	}
	idx, err := strconv.Atoi(*v.Index)
	if err != nil {
		return exprValue{}, err
	}
	switch val.kind {
	case kindIntVec:
		if idx < 0 || idx >= len(val.iv) {
			return exprValue{}, fmt.Errorf("index %d out of range for attribute %s", idx, v.Name)
		}
		return intVal(val.iv[idx]), nil
	case kindFloatVec:
		if idx < 0 || idx >= len(val.fv) {
			return exprValue{}, fmt.Errorf("index %d out of range for attribute %s", idx, v.Name)
		}
		return floatVal(val.fv[idx]), nil
	case kindString:
		if idx < 0 || idx >= len(val.s) {
			return exprValue{}, fmt.Errorf("index %d out of range for attribute %s", idx, v.Name)
		}
		return intVal(int64(val.s[idx])), nil
	}
	return exprValue{}, fmt.Errorf("attribute %s is not indexable", v.Name)
}

func (f *funcCall) eval(env *exprEnv) (exprValue, error) {
	args := make([]exprValue, len(f.Args))
	for i, a := range f.Args {
		v, err := a.eval(env)
		if err != nil {
			return exprValue{}, err
		}
		args[i] = v
	}
	argc := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("function %s takes %d arguments, got %d", f.Name, n, len(args))
		}
		return nil
	}
	switch f.Name {
	case "splitcompare":
		if err := argc(3); err != nil {
			return exprValue{}, err
		}
		if args[0].kind != kindString || args[1].kind != kindInt || args[2].kind != kindString {
			return exprValue{}, fmt.Errorf("splitcompare needs (string, delimiter code, string)")
		}
		return boolVal(splitCompare(args[0].s, byte(args[1].i), args[2].s)), nil
	case "resolve":
		if err := argc(3); err != nil {
			return exprValue{}, err
		}
		if args[0].kind != kindIntVec || args[1].kind != kindString || args[2].kind != kindString {
			return exprValue{}, fmt.Errorf("resolve needs (int array, string, string)")
		}
		return strVal(resolveGenotype(args[0].iv, args[1].s, args[2].s)), nil
	case "ishomref", "ishomalt", "ishet":
		if err := argc(1); err != nil {
			return exprValue{}, err
		}
		if args[0].kind != kindIntVec {
			return exprValue{}, fmt.Errorf("%s needs an int array", f.Name)
		}
		switch f.Name {
		case "ishomref":
			return boolVal(isHomRef(args[0].iv)), nil
		case "ishomalt":
			return boolVal(isHomAlt(args[0].iv)), nil
		default:
			return boolVal(isHet(args[0].iv)), nil
		}
	}
	return exprValue{}, fmt.Errorf("unknown function %s", f.Name)
}

// cellValNumOf treats coords as a DimNum-wide vector.
func (e *Expression) cellValNumOf(id int) int {
	if id == e.schema.AttributeNum() {
		return e.schema.DimNum()
	}
	return e.schema.cellValNum(id)
}

func (e *Expression) cellSizeOf(id int) int {
	if e.schema.varSize(id) {
		return varOffsetSize
	}
	return e.schema.typeOf(id).Size() * e.cellValNumOf(id)
}

// scalarAt reads one element, raising the empty-value signal on the
// type's sentinel.
func scalarAt(buf []byte, t Datatype, idx int) (exprValue, error) {
	if t == Float32 || t == Float64 {
		v := elemFloat(buf, t, idx)
		if v == t.emptyFloat() {
			return exprValue{}, emptyValueError{}
		}
		return floatVal(v), nil
	}
	v := elemInt(buf, t, idx)
	if v == t.emptyInt() {
		return exprValue{}, emptyValueError{}
	}
	return intVal(v), nil
}

func vecAt(buf []byte, t Datatype, start, count int) (exprValue, error) {
	if t == Char {
		for i := 0; i < count; i++ {
			if elemInt(buf, t, start+i) == t.emptyInt() {
				return exprValue{}, emptyValueError{}
			}
		}
		return strVal(string(buf[start : start+count])), nil
	}
	if t == Float32 || t == Float64 {
		out := make([]float64, count)
		for i := 0; i < count; i++ {
			v := elemFloat(buf, t, start+i)
			if v == t.emptyFloat() {
				return exprValue{}, emptyValueError{}
			}
			out[i] = v
		}
		return exprValue{kind: kindFloatVec, fv: out}, nil
	}
	out := make([]int64, count)
	for i := 0; i < count; i++ {
		v := elemInt(buf, t, start+i)
		if v == t.emptyInt() {
			return exprValue{}, emptyValueError{}
		}
		out[i] = v
	}
	return intVecVal(out), nil
}

// EvaluateCell applies the predicate to one cell, positions[i] being
// the cell index inside attribute i's buffers. Cells holding empty
// sentinels are included without evaluating.
func (e *Expression) EvaluateCell(buffers [][]byte, sizes []int, positions []int64) (bool, error) {
	if e.expression == "" {
		return true, nil
	}
	if !e.initialized {
		return false, fmt.Errorf("expression initialization not completed")
	}
	env := &exprEnv{vars: make(map[string]exprValue)}
	bufferI := 0
	for i, id := range e.attributeIDs {
		pos := int(positions[i])
		name := e.attributes[i]
		if e.referenced[name] {
			v, err := e.cellValue(id, buffers, sizes, bufferI, pos)
			if err != nil {
				if errors.As(err, &emptyValueError{}) {
					return true, nil
				}
				return false, err
			}
			env.vars[name] = v
		}
		if e.schema.varSize(id) {
			bufferI += 2
		} else {
			bufferI++
		}
	}
	result, err := e.ast.eval(env)
	if err != nil {
		return false, fmt.Errorf("filter expression evaluation failed: %w", err)
	}
	if result.kind != kindBool {
		return false, fmt.Errorf("only filter expressions evaluating to booleans are supported")
	}
	return result.b, nil
}

func (e *Expression) cellValue(id int, buffers [][]byte, sizes []int, bufferI, pos int) (exprValue, error) {
	t := e.schema.typeOf(id)
	switch n := e.cellValNumOf(id); {
	case n == 1:
		return scalarAt(buffers[bufferI], t, pos)
	case n == VarNum:
		off := binary.LittleEndian.Uint64(buffers[bufferI][pos*varOffsetSize:])
		end := uint64(sizes[bufferI+1])
		cells := sizes[bufferI] / varOffsetSize
		if pos+1 < cells {
			end = binary.LittleEndian.Uint64(buffers[bufferI][(pos+1)*varOffsetSize:])
		}
		size := t.Size()
		return vecAt(buffers[bufferI+1], t, int(off)/size, int(end-off)/size)
	default:
		return vecAt(buffers[bufferI], t, pos*n, n)
	}
}

// Evaluate runs the predicate over every complete cell in the buffers
// and compacts the survivors in place, returning the adjusted sizes.
func (e *Expression) Evaluate(buffers [][]byte, sizes []int) ([]int, error) {
	if e.expression == "" {
		return sizes, nil
	}
	if !e.initialized {
		return nil, fmt.Errorf("expression initialization not completed")
	}

	numberOfCells := 0
	bufferI := 0
	for i, id := range e.attributeIDs {
		cells := sizes[bufferI] / e.cellSizeOf(id)
		if i == 0 || cells < numberOfCells {
			numberOfCells = cells
		}
		if e.schema.varSize(id) {
			bufferI += 2
		} else {
			bufferI++
		}
	}
	if numberOfCells == 0 {
		return sizes, nil
	}

	dropped := roaring64.New()
	positions := make([]int64, len(e.attributeIDs))
	for cell := 0; cell < numberOfCells; cell++ {
		for i := range positions {
			positions[i] = int64(cell)
		}
		keep, err := e.EvaluateCell(buffers, sizes, positions)
		if err != nil {
			return nil, err
		}
		if !keep {
			dropped.Add(uint64(cell))
		}
	}
	if dropped.IsEmpty() {
		return sizes, nil
	}
	return e.compact(buffers, sizes, numberOfCells, dropped), nil
}

// compact left-shifts surviving cells over the dropped ones: fixed
// cells move whole, variable cells move their payload and have their
// offsets re-based against the compacted var buffer.
func (e *Expression) compact(buffers [][]byte, sizes []int, numberOfCells int, dropped *roaring64.Bitmap) []int {
	newSizes := append([]int(nil), sizes...)
	bufferI := 0
	for _, id := range e.attributeIDs {
		cellSize := e.cellSizeOf(id)
		cells := sizes[bufferI] / cellSize
		if !e.schema.varSize(id) {
			out := 0
			for cell := 0; cell < cells; cell++ {
				if cell < numberOfCells && dropped.Contains(uint64(cell)) {
					continue
				}
				if out != cell {
					copy(buffers[bufferI][out*cellSize:], buffers[bufferI][cell*cellSize:(cell+1)*cellSize])
				}
				out++
			}
			newSizes[bufferI] = out * cellSize
			bufferI++
			continue
		}

		offs := buffers[bufferI]
		payload := buffers[bufferI+1]
		out := 0
		varOut := uint64(0)
		for cell := 0; cell < cells; cell++ {
			if cell < numberOfCells && dropped.Contains(uint64(cell)) {
				continue
			}
			start := binary.LittleEndian.Uint64(offs[cell*varOffsetSize:])
			end := uint64(sizes[bufferI+1])
			if cell+1 < cells {
				end = binary.LittleEndian.Uint64(offs[(cell+1)*varOffsetSize:])
			}
			length := end - start
			copy(payload[varOut:], payload[start:start+length])
			binary.LittleEndian.PutUint64(offs[out*varOffsetSize:], varOut)
			varOut += length
			out++
		}
		newSizes[bufferI] = out * varOffsetSize
		newSizes[bufferI+1] = int(varOut)
		bufferI += 2
	}
	return newSizes
}
