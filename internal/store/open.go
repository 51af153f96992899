package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend names returned by BackendFor.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// BackendFor reports which backend a DSN selects.
func BackendFor(dsn string) (string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return BackendPostgres, nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		return BackendSQLite, nil
	}
	return "", fmt.Errorf("unsupported database url scheme: %q", redactDSN(dsn))
}

// SQLitePath extracts the file path from a sqlite:// or file: DSN.
func SQLitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "sqlite://")
	p = strings.TrimPrefix(p, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// Open returns the Store selected by the DSN scheme.
func Open(ctx context.Context, dsn string) (Store, error) {
	backend, err := BackendFor(dsn)
	if err != nil {
		return nil, err
	}
	if backend == BackendPostgres {
		pg, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLite(ctx, SQLitePath(dsn))
	if err != nil {
		return nil, err
	}
	return lite, nil
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i] + "://…"
	}
	if len(dsn) > 8 {
		return dsn[:8] + "…"
	}
	return dsn
}
