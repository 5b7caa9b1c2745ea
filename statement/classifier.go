//Package statement classifies database operations as read-only or mutating
//to decide whether they must run under the distributed lock.
package statement

import "strings"

//Normalize collapses all whitespace runs to single spaces and uppercases
//the query so prefix checks are reliable.
func Normalize(query string) string {
	return strings.ToUpper(strings.Join(strings.Fields(query), " "))
}

//IsTransactionStart returns whether the query opens an explicit transaction.
func IsTransactionStart(query string) bool {
	return strings.HasPrefix(Normalize(query), "BEGIN")
}

//IsTransactionEnd returns whether the query closes an explicit transaction.
//ROLLBACK TO only rewinds to a savepoint and leaves the transaction open.
func IsTransactionEnd(query string) bool {
	normalized := Normalize(query)
	if strings.HasPrefix(normalized, "ROLLBACK TO ") {
		return false
	}
	return strings.HasPrefix(normalized, "COMMIT") ||
		strings.HasPrefix(normalized, "END") ||
		strings.HasPrefix(normalized, "ROLLBACK")
}

//IsWrite returns whether the query can mutate the database. Only SELECT and
//EXPLAIN queries are read-only; anything else, including ambiguous or
//compound statements, is conservatively treated as mutating.
func IsWrite(query string) bool {
	normalized := Normalize(query)
	return !strings.HasPrefix(normalized, "SELECT") && !strings.HasPrefix(normalized, "EXPLAIN")
}

//RequiresLock returns whether the query must hold the exclusive lock while
//it executes.
func RequiresLock(query string) bool {
	return IsWrite(query)
}
