package dbx

import "github.com/jmoiron/sqlx"

// Binder rewrites a query written with '?' placeholders into the form the
// target driver expects ($1.. for pgx, unchanged for sqlite).
type Binder func(query string) string

// BinderFor returns the Binder for a database/sql driver name.
func BinderFor(driver string) Binder {
	bindType := sqlx.BindType(driver)
	return func(query string) string {
		return sqlx.Rebind(bindType, query)
	}
}
