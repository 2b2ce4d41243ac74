package store

import "fmt"

// Open selects the SessionStore implementation by driver name.
func Open(driver, sqlitePath, postgresDSN string) (SessionStore, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(sqlitePath)
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("postgres driver selected but no DSN configured")
		}
		return OpenPG(postgresDSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
