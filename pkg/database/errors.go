package database

import "github.com/lib/pq"

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. Callers racing on find-or-create style inserts use this to
// detect that a concurrent writer got there first.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
