// Package dburl parses database URLs: it infers the dialect from the
// scheme and converts URLs into the DSN form each driver expects.
package dburl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Supported database dialects
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

var (
	ErrUnknownDialect = errors.New("unknown database dialect")
	ErrInvalidURL     = errors.New("invalid database URL")
)

// InferDialectFromDBUrl returns the dialect ("postgres", "mysql", or
// "sqlite") based on the URL scheme.
func InferDialectFromDBUrl(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownDialect, scheme)
	}
}

// MySQLDSN converts a mysql:// URL to the go-sql-driver DSN form:
// user:password@tcp(host:port)/dbname
func MySQLDSN(mysqlURL string) (string, error) {
	u, err := url.Parse(mysqlURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	var cred string
	if u.User != nil {
		cred = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cred += ":" + pw
		}
	}

	dbname := strings.TrimPrefix(u.Path, "/")
	dsn := fmt.Sprintf("%s@tcp(%s)/%s", cred, u.Host, dbname)
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}
	return dsn, nil
}

// SQLitePath extracts the file path from a sqlite: or sqlite:// URL.
// ":memory:" passes through unchanged.
func SQLitePath(sqliteURL string) string {
	for _, prefix := range []string{"sqlite3://", "sqlite://", "sqlite3:", "sqlite:"} {
		if strings.HasPrefix(sqliteURL, prefix) {
			return strings.TrimPrefix(sqliteURL, prefix)
		}
	}
	return sqliteURL
}

// ParseDatabaseName extracts the database name from a URL. Returns an
// empty string if no database name is present.
func ParseDatabaseName(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// WithDatabaseName returns a new URL with the database name replaced.
func WithDatabaseName(dbURL, dbname string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Path = "/" + dbname
	return u.String(), nil
}
