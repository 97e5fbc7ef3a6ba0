// Package cel compiles eligibility predicates written in the Common
// Expression Language, backed by Google's cel-go.
//
// See https://github.com/google/cel-go and https://opensource.google/projects/cel for more information
// about CEL. Expressions must conform to the CEL spec: https://github.com/google/cel-spec.
//
// # Variables
//
// An expression is evaluated against one subject at a time. These variables
// are declared:
//
//	birth_date         timestamp
//	index_date         timestamp (the zero time when the subject has no event)
//	has_index_date     bool
//	sex                string: "M", "F" or "unknown"
//	family_size        int (0 when not known)
//	family_id          string
//	mother_id          string
//	father_id          string
//	mother_birth_date  timestamp
//	father_birth_date  timestamp
//	extra              map(string, double)
//
// An expression must yield a bool:
//
//	p, err := cel.Compile(`sex == "F" && birth_date >= timestamp("2000-01-01T00:00:00Z")`)
//
// The compiled predicate declares the attributes of the variables the
// expression refers to, so a subject without a birth date or with unknown
// sex is reported missing that attribute rather than evaluated. A constant
// key read from extra, as in extra["income"] or extra.income, is declared as
// the attribute extra.income.
//
// An expression that tests for a key with has() or the in operator handles
// its absence itself, and the key is not declared:
//
//	"income" in extra && extra["income"] < 30000.0
//
// Reading a key that is not known until evaluation, such as extra[family_id],
// is an evaluation error when the key is absent, which rejects the subject.
//
// A subject without an event has index_date 0001-01-01T00:00:00Z, which is
// before any real date. Combine comparisons on index_date with
// has_index_date:
//
//	has_index_date && index_date < timestamp("2010-01-01T00:00:00Z")
package cel
