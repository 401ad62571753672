// Package storage owns the shared SQLite handle used by the durable broker
// and result store, and the one-shot migration step that brings the schema to
// the version both require. Opening the database runs migrations; a migration
// failure is returned to the caller and must be treated as fatal at startup.
package storage
