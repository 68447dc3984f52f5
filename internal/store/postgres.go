// Package store provides the record store connector used by the
// database export producer. PostgreSQL is the only deployment target
// today; the producer itself only sees the generic connector contract.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ostrand/backupd/internal/producer"
)

// validIdentRe restricts store and collection names to safe SQL
// identifiers, since table names cannot be bound as parameters.
var validIdentRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// PostgresConnector opens per-store connections derived from a base
// database URL: the logical store name replaces the URL's database
// path segment.
type PostgresConnector struct {
	baseURL string
}

func NewPostgresConnector(baseURL string) *PostgresConnector {
	return &PostgresConnector{baseURL: baseURL}
}

func (c *PostgresConnector) Connect(ctx context.Context, name string) (producer.StoreConn, error) {
	if !validIdentRe.MatchString(name) {
		return nil, fmt.Errorf("invalid store name %q", name)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse store base URL: %w", err)
	}
	u.Path = "/" + name

	conn, err := pgx.Connect(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("connect to store %s: %w", name, err)
	}
	return &postgresConn{conn: conn, store: name}, nil
}

type postgresConn struct {
	conn  *pgx.Conn
	store string
}

func (p *postgresConn) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := p.conn.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", p.store, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (p *postgresConn) ReadDocuments(ctx context.Context, collection string, fn func(doc json.RawMessage) error) (int64, error) {
	if !validIdentRe.MatchString(collection) {
		return 0, fmt.Errorf("invalid collection name %q", collection)
	}

	// row_to_json keeps the export schema-agnostic: every row becomes
	// one JSON document regardless of column types.
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t`, quoteIdent(collection))
	rows, err := p.conn.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("read %s.%s: %w", p.store, collection, err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return count, fmt.Errorf("scan document from %s: %w", collection, err)
		}
		if err := fn(doc); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return count, nil
}

func (p *postgresConn) Count(ctx context.Context, collection string) (int64, error) {
	if !validIdentRe.MatchString(collection) {
		return 0, fmt.Errorf("invalid collection name %q", collection)
	}
	var count int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(collection))
	if err := p.conn.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", p.store, collection, err)
	}
	return count, nil
}

func (p *postgresConn) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
