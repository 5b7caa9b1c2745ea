package statement

import "testing"

func TestNormalize(t *testing.T) {
	normalized := Normalize("\tselect *\n  from\r\n users ")
	if normalized != "SELECT * FROM USERS" {
		t.Errorf("Expected whitespace to be collapsed and query uppercased and got: %s", normalized)
	}

	normalized = Normalize("INSERT INTO users VALUES (1)")
	if normalized != "INSERT INTO USERS VALUES (1)" {
		t.Errorf("Expected already clean query to pass through and got: %s", normalized)
	}
}

func TestIsWrite(t *testing.T) {
	readOnly := []string{
		"SELECT * FROM users",
		"  select id from users where name = ?",
		"\nSELECT\tcount(*) FROM users",
		"EXPLAIN QUERY PLAN SELECT * FROM users",
		"explain select 1",
	}
	for _, query := range readOnly {
		if IsWrite(query) {
			t.Errorf("Expected query to be classified read-only and it wasn't: %s", query)
		}
		if RequiresLock(query) {
			t.Errorf("Expected read-only query not to require the lock and it did: %s", query)
		}
	}

	mutating := []string{
		"INSERT INTO users VALUES (1)",
		"update users set name = ? where id = ?",
		"DELETE FROM users",
		"CREATE TABLE users (id INTEGER)",
		"DROP TABLE users",
		"ALTER TABLE users ADD COLUMN age INTEGER",
		"PRAGMA journal_mode = DELETE",
		"BEGIN",
		"begin immediate",
		//Compound statements that could write must be treated as mutating
		"WITH ids AS (SELECT id FROM users) SELECT * FROM ids",
		"REPLACE INTO users VALUES (1)",
	}
	for _, query := range mutating {
		if !IsWrite(query) {
			t.Errorf("Expected query to be classified mutating and it wasn't: %s", query)
		}
		if !RequiresLock(query) {
			t.Errorf("Expected mutating query to require the lock and it didn't: %s", query)
		}
	}
}

func TestIsTransactionStart(t *testing.T) {
	starts := []string{"BEGIN", "begin transaction", "\tBEGIN IMMEDIATE;"}
	for _, query := range starts {
		if !IsTransactionStart(query) {
			t.Errorf("Expected query to be detected as a transaction start and it wasn't: %s", query)
		}
	}

	notStarts := []string{"COMMIT", "SELECT 1", "INSERT INTO users VALUES (1)"}
	for _, query := range notStarts {
		if IsTransactionStart(query) {
			t.Errorf("Expected query not to be detected as a transaction start and it was: %s", query)
		}
	}
}

func TestIsTransactionEnd(t *testing.T) {
	ends := []string{"COMMIT", "commit transaction;", "END", "end transaction", "ROLLBACK", "rollback transaction"}
	for _, query := range ends {
		if !IsTransactionEnd(query) {
			t.Errorf("Expected query to be detected as a transaction end and it wasn't: %s", query)
		}
	}

	notEnds := []string{"BEGIN", "SELECT 1", "ROLLBACK TO savepoint_one", "rollback  to savepoint_one"}
	for _, query := range notEnds {
		if IsTransactionEnd(query) {
			t.Errorf("Expected query not to be detected as a transaction end and it was: %s", query)
		}
	}
}
