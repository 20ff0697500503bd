package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness or referential constraint was violated.
var ErrConflict = errors.New("repository: conflict")

// UniqueViolation identifies the column whose uniqueness constraint was violated.
type UniqueViolation struct {
	Constraint string
	Column     string
}

func (u *UniqueViolation) Error() string {
	return fmt.Sprintf("repository: unique violation on %s (%s)", u.Column, u.Constraint)
}

// Is lets errors.Is(err, ErrConflict) match unique violations.
func (u *UniqueViolation) Is(target error) bool {
	return target == ErrConflict
}

// ViolatedColumn returns the offending column when err is a unique violation.
func ViolatedColumn(err error) (string, bool) {
	var uv *UniqueViolation
	if errors.As(err, &uv) {
		return uv.Column, true
	}
	return "", false
}
