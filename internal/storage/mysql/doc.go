// Package mysql owns the shared MySQL connection pool and the embedded schema
// migrations. Stores for workflows and chat tasks build on the *sql.DB it
// returns.
package mysql
