package storage

// NewStorage creates the default SQLite-backed storage.
func NewStorage(dataDir string) (Storage, error) {
	return NewSQLiteStorage(dataDir)
}
