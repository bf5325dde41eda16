// Package mysql opens the MySQL connection pool used by the credit ledger and
// applies the schema migrations embedded from deploy/migrations.
package mysql
