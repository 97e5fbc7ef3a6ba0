package cohort

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidCriteria is wrapped by every ConfigError.
	ErrInvalidCriteria = errors.New("invalid matching criteria")

	// ErrUnknownSubject is returned when a cohort references a subject
	// whose record is not available.
	ErrUnknownSubject = errors.New("unknown subject")
)

// ConfigError reports invalid criteria or options. A run with a
// ConfigError is aborted before any subject is processed.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidCriteria, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidCriteria
}

// Role is the part a subject was evaluated for.
type Role string

const (
	RoleCase    Role = "case"
	RoleControl Role = "control"
)

// SubjectError reports that a subject lacks attributes needed for a role.
// The subject is left out of that role; the run continues.
type SubjectError struct {
	SubjectID string      `json:"subject_id"`
	Role      Role        `json:"role"`
	Missing   []Attribute `json:"missing"`
}

func (e *SubjectError) Error() string {
	names := make([]string, len(e.Missing))
	for i, a := range e.Missing {
		names[i] = string(a)
	}
	return fmt.Sprintf("subject %s: missing %s for %s", e.SubjectID, strings.Join(names, ", "), e.Role)
}
