package storage

import "time"

// InitStore opens the store and sizes its connection pool. Every task goroutine
// may hold a connection while it persists progress, so maxOpenConns should not
// be lower than the sub-task pool.
func InitStore(dbConnStr string, maxOpenConns int) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	if db, ok := store.db.(interface {
		SetMaxOpenConns(int)
		SetConnMaxIdleTime(time.Duration)
	}); ok && maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return store, nil
}
