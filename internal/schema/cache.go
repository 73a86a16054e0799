package schema

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

const loadQuery = `
SELECT c.table_schema, c.table_name, c.column_name, c.data_type
FROM information_schema.columns c
WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY c.table_schema, c.table_name, c.ordinal_position
`

// Cache holds the physical sources known to the engine.
type Cache struct {
	mu     sync.RWMutex
	byName map[string]*Source
	byID   map[uuid.UUID]*Source
}

func NewCache() *Cache {
	return &Cache{
		byName: make(map[string]*Source),
		byID:   make(map[uuid.UUID]*Source),
	}
}

// NewCacheFromSources builds a cache from in-memory definitions.
func NewCacheFromSources(sources ...*Source) *Cache {
	c := NewCache()
	for _, s := range sources {
		if s.ID == uuid.Nil {
			s.ID = SourceID(s.Schema, s.Table)
		}
		c.byName[s.Name()] = s
		c.byID[s.ID] = s
	}
	return c
}

// LoadSources decodes a YAML list of sources for offline compilation.
func LoadSources(r io.Reader) (*Cache, error) {
	var sources []*Source
	if err := yaml.NewDecoder(r).Decode(&sources); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return NewCacheFromSources(sources...), nil
}

func (c *Cache) Load(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, loadQuery)
	if err != nil {
		return fmt.Errorf("schema cache load: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*Source)
	for rows.Next() {
		var schemaName, table, column, dataType string
		if err := rows.Scan(&schemaName, &table, &column, &dataType); err != nil {
			return fmt.Errorf("schema cache scan: %w", err)
		}

		src, exists := byName[schemaName+"."+table]
		if !exists {
			src = &Source{
				ID:     SourceID(schemaName, table),
				Schema: schemaName,
				Table:  table,
			}
			byName[src.Name()] = src
		}
		src.Columns = append(src.Columns, Column{Name: column, Type: FromPgType(dataType)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schema cache rows: %w", err)
	}

	byID := make(map[uuid.UUID]*Source, len(byName))
	for _, src := range byName {
		byID[src.ID] = src
	}

	c.mu.Lock()
	c.byName = byName
	c.byID = byID
	c.mu.Unlock()

	return nil
}

// Get finds a source by id.
func (c *Cache) Get(id uuid.UUID) *Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// GetByName finds a source by its qualified name.
func (c *Cache) GetByName(name string) *Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// SourceCount returns the number of loaded sources.
func (c *Cache) SourceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
