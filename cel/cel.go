package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ezachrisen/cohort"
)

// variable ties a declared CEL variable to the subject attribute it reads.
type variable struct {
	name string
	typ  *cel.Type
	attr cohort.Attribute
}

var variables = []variable{
	{"birth_date", cel.TimestampType, cohort.AttrBirthDate},
	{"index_date", cel.TimestampType, cohort.AttrIndexDate},
	{"has_index_date", cel.BoolType, cohort.AttrIndexDate},
	{"sex", cel.StringType, cohort.AttrSex},
	{"family_size", cel.IntType, cohort.AttrFamilySize},
	{"family_id", cel.StringType, cohort.AttrFamilyID},
	{"mother_id", cel.StringType, cohort.AttrMotherID},
	{"father_id", cel.StringType, cohort.AttrFatherID},
	{"mother_birth_date", cel.TimestampType, cohort.AttrMotherBirthDate},
	{"father_birth_date", cel.TimestampType, cohort.AttrFatherBirthDate},
	{"extra", cel.MapType(cel.StringType, cel.DoubleType), ""},
}

var env = sync.OnceValues(func() (*cel.Env, error) {
	opts := make([]cel.EnvOption, len(variables))
	for i, v := range variables {
		opts[i] = cel.Variable(v.name, v.typ)
	}
	return cel.NewEnv(opts...)
})

// Program is a compiled expression. It implements cohort.Program.
type Program struct {
	source string
	prg    cel.Program
}

// Compile parses and type-checks expr and returns it as a predicate.
func Compile(expr string) (*cohort.Predicate, error) {
	prg, attrs, err := compile(expr)
	if err != nil {
		return nil, err
	}
	return cohort.Expr(expr, prg, attrs...), nil
}

// MustCompile is like Compile but panics if the expression cannot be compiled.
func MustCompile(expr string) *cohort.Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func compile(expr string) (*Program, []cohort.Attribute, error) {
	e, err := env()
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating CEL environment")
	}

	ast, iss := e.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, nil, errors.Wrapf(iss.Err(), "compiling %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, nil, errors.Errorf("compiling %q: expression yields %s, not bool", expr, ast.OutputType())
	}

	prg, err := e.Program(ast)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "generating program for %q", expr)
	}
	checked, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "inspecting %q", expr)
	}
	return &Program{source: expr, prg: prg}, referencedAttributes(checked), nil
}

// referencedAttributes lists the attributes of the variables the checked
// expression refers to. Each constant key read from extra is an attribute of
// its own, unless the expression also tests for the key with has() or in.
func referencedAttributes(checked *exprpb.CheckedExpr) []cohort.Attribute {
	byName := make(map[string]cohort.Attribute, len(variables))
	for _, v := range variables {
		byName[v.name] = v.attr
	}
	var attrs []cohort.Attribute
	for _, ref := range checked.GetReferenceMap() {
		if a, ok := byName[ref.GetName()]; ok && a != "" {
			attrs = append(attrs, a)
		}
	}

	w := extraKeys{refs: checked.GetReferenceMap(), read: map[string]bool{}, tested: map[string]bool{}}
	w.walk(checked.GetExpr())
	for k := range w.read {
		if !w.tested[k] {
			attrs = append(attrs, cohort.ExtraAttribute(k))
		}
	}
	return attrs
}

// extraKeys collects the constant keys an expression reads from extra and
// the keys it tests for.
type extraKeys struct {
	refs   map[int64]*exprpb.Reference
	read   map[string]bool
	tested map[string]bool
}

// isExtra reports whether e is the extra variable rather than a
// comprehension variable of the same name.
func (w *extraKeys) isExtra(e *exprpb.Expr) bool {
	id := e.GetIdentExpr()
	if id == nil || id.GetName() != "extra" {
		return false
	}
	ref, ok := w.refs[e.GetId()]
	return ok && ref.GetName() == "extra"
}

func constString(e *exprpb.Expr) (string, bool) {
	c := e.GetConstExpr()
	if c == nil {
		return "", false
	}
	if _, ok := c.GetConstantKind().(*exprpb.Constant_StringValue); !ok {
		return "", false
	}
	return c.GetStringValue(), true
}

func (w *extraKeys) walk(e *exprpb.Expr) {
	if e == nil {
		return
	}
	switch k := e.GetExprKind().(type) {
	case *exprpb.Expr_SelectExpr:
		sel := k.SelectExpr
		if w.isExtra(sel.GetOperand()) {
			if sel.GetTestOnly() {
				w.tested[sel.GetField()] = true
			} else {
				w.read[sel.GetField()] = true
			}
		}
		w.walk(sel.GetOperand())
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		args := call.GetArgs()
		switch {
		case call.GetFunction() == "_[_]" && len(args) == 2 && w.isExtra(args[0]):
			if key, ok := constString(args[1]); ok {
				w.read[key] = true
			}
		case call.GetFunction() == "@in" && len(args) == 2 && w.isExtra(args[1]):
			if key, ok := constString(args[0]); ok {
				w.tested[key] = true
			}
		}
		w.walk(call.GetTarget())
		for _, a := range args {
			w.walk(a)
		}
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.GetElements() {
			w.walk(el)
		}
	case *exprpb.Expr_StructExpr:
		for _, en := range k.StructExpr.GetEntries() {
			w.walk(en.GetMapKey())
			w.walk(en.GetValue())
		}
	case *exprpb.Expr_ComprehensionExpr:
		c := k.ComprehensionExpr
		w.walk(c.GetIterRange())
		w.walk(c.GetAccuInit())
		w.walk(c.GetLoopCondition())
		w.walk(c.GetLoopStep())
		w.walk(c.GetResult())
	}
}

// Eval evaluates the expression against s.
func (p *Program) Eval(s *cohort.Subject) (bool, error) {
	out, _, err := p.prg.Eval(activation(s))
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q yielded %T, not bool", p.source, out.Value())
	}
	return b, nil
}

func (p *Program) String() string {
	return p.source
}

func activation(s *cohort.Subject) map[string]any {
	extra := s.Extra
	if extra == nil {
		extra = map[string]float64{}
	}
	return map[string]any{
		"birth_date":        timestamppb.New(s.BirthDate),
		"index_date":        timestamppb.New(s.IndexDate),
		"has_index_date":    s.HasIndexDate(),
		"sex":               s.Sex.String(),
		"family_size":       int64(s.FamilySize),
		"family_id":         s.FamilyID,
		"mother_id":         s.MotherID,
		"father_id":         s.FatherID,
		"mother_birth_date": timestamppb.New(s.MotherBirthDate),
		"father_birth_date": timestamppb.New(s.FatherBirthDate),
		"extra":             extra,
	}
}
