// Package stores persists convergence run history in SQLite.
//
// Every apply run is saved as one row in runs plus one row per resource in
// change_records. The schema is managed by golang-migrate from migrations
// embedded in the binary.
package stores
