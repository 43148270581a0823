package storage

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TableSchema is one table's description as read from the schema
// description document (spec §4.4: "yaml-described schema" that the
// initializer diffs against golang-migrate's migration set).
type TableSchema struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
}

type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
}

// ParseSchema reads the broker's schema description document, used to
// validate that the migrations a deployment applied actually produced
// the tables/columns the storage engine expects.
func ParseSchema(doc []byte) ([]TableSchema, error) {
	var tables []TableSchema
	if err := yaml.Unmarshal(doc, &tables); err != nil {
		return nil, fmt.Errorf("storage: parse schema description: %w", err)
	}
	return tables, nil
}

// DefaultSchema is the broker's built-in table layout, describing the
// columns the storage engine's hand-written SQL in this package assumes.
var DefaultSchema = []TableSchema{
	{Name: "resources", Columns: []Column{{Name: "id", Type: "bigserial"}, {Name: "name", Type: "text"}}},
	{Name: "mime_types", Columns: []Column{{Name: "id", Type: "bigserial"}, {Name: "name", Type: "text"}}},
	{Name: "flags", Columns: []Column{{Name: "id", Type: "bigserial"}, {Name: "name", Type: "text"}}},
	{Name: "collections", Columns: []Column{
		{Name: "id", Type: "bigserial"}, {Name: "parent_id", Type: "bigint", Nullable: true},
		{Name: "name", Type: "text"}, {Name: "resource_id", Type: "bigint"},
		{Name: "attributes", Type: "jsonb"}, {Name: "is_virtual", Type: "boolean"},
		{Name: "cache_inherit", Type: "boolean"}, {Name: "cache_timeout_seconds", Type: "bigint"},
		{Name: "revision", Type: "bigint"},
	}},
	{Name: "collection_attributes", Columns: []Column{
		{Name: "collection_id", Type: "bigint"}, {Name: "key", Type: "text"}, {Name: "value", Type: "text"},
	}},
	{Name: "collection_mime_types", Columns: []Column{
		{Name: "collection_id", Type: "bigint"}, {Name: "mime_type_id", Type: "bigint"},
	}},
	{Name: "items", Columns: []Column{
		{Name: "id", Type: "bigserial"}, {Name: "collection_id", Type: "bigint"},
		{Name: "remote_id", Type: "text", Nullable: true}, {Name: "gid", Type: "text"},
		{Name: "mime_type_id", Type: "bigint"}, {Name: "size", Type: "bigint"},
		{Name: "dirty", Type: "boolean"}, {Name: "hidden", Type: "boolean"},
		{Name: "atime", Type: "timestamptz"},
		{Name: "revision", Type: "bigint"},
	}},
	{Name: "item_flags", Columns: []Column{{Name: "item_id", Type: "bigint"}, {Name: "flag_id", Type: "bigint"}}},
	{Name: "parts", Columns: []Column{
		{Name: "id", Type: "bigserial"}, {Name: "item_id", Type: "bigint"}, {Name: "name", Type: "text"},
		{Name: "version", Type: "bigint"}, {Name: "size", Type: "bigint"}, {Name: "external", Type: "boolean"},
		{Name: "data", Type: "bytea", Nullable: true}, {Name: "path", Type: "text", Nullable: true},
	}},
	{Name: "tags", Columns: []Column{
		{Name: "id", Type: "bigserial"}, {Name: "gid", Type: "text"},
		{Name: "parent_id", Type: "bigint", Nullable: true}, {Name: "type", Type: "text"},
		{Name: "attributes", Type: "jsonb"},
	}},
	{Name: "subscriptions", Columns: []Column{
		{Name: "id", Type: "bigserial"}, {Name: "collection_id", Type: "bigint"},
		{Name: "resource", Type: "text"}, {Name: "mime_types", Type: "jsonb"},
	}},
	{Name: "search_queries", Columns: []Column{
		{Name: "id", Type: "bigserial"}, {Name: "collection_ids", Type: "jsonb"},
		{Name: "mime_type", Type: "text", Nullable: true}, {Name: "flag_name", Type: "text", Nullable: true},
	}},
	{Name: "relations", Columns: []Column{
		{Name: "left_id", Type: "bigint"}, {Name: "right_id", Type: "bigint"},
		{Name: "type", Type: "text"}, {Name: "remote_id", Type: "text", Nullable: true},
	}},
}
