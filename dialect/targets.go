package dialect

import "fmt"

// The three built-in targets. Postgres numbers its placeholders, MySQL and
// SQLite use ?.

type postgresTarget struct{}

func (postgresTarget) Name() string             { return "postgres" }
func (postgresTarget) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresTarget) SupportsReturning() bool  { return true }

type mysqlTarget struct{}

func (mysqlTarget) Name() string            { return "mysql" }
func (mysqlTarget) Placeholder(int) string  { return "?" }
func (mysqlTarget) SupportsReturning() bool { return false }

type sqliteTarget struct{}

func (sqliteTarget) Name() string            { return "sqlite" }
func (sqliteTarget) Placeholder(int) string  { return "?" }
func (sqliteTarget) SupportsReturning() bool { return true }

// Postgres returns the PostgreSQL target.
func Postgres() Target { return postgresTarget{} }

// MySQL returns the MySQL target.
func MySQL() Target { return mysqlTarget{} }

// SQLite returns the SQLite target.
func SQLite() Target { return sqliteTarget{} }
