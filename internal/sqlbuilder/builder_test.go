package sqlbuilder

import "testing"

func TestSelectToSQL(t *testing.T) {
	query, args := NewSelect("items", "id", "collection_id").
		Where("collection_id = ?", 5).
		Where("mime_type_id = ?", 2).
		OrderBy("id ASC").
		Limit(10).
		ToSQL()
	want := "SELECT id, collection_id FROM items WHERE collection_id = $1 AND mime_type_id = $2 ORDER BY id ASC LIMIT 10"
	if query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
	if len(args) != 2 || args[0] != 5 || args[1] != 2 {
		t.Fatalf("args = %#v", args)
	}
}

func TestInsertToSQL(t *testing.T) {
	query, args := NewInsert("items").
		Set("collection_id", 1).
		Set("mime_type_id", 2).
		Returning("id").
		ToSQL()
	want := "INSERT INTO items (collection_id, mime_type_id) VALUES ($1, $2) RETURNING id"
	if query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
	if len(args) != 2 {
		t.Fatalf("args = %#v", args)
	}
}

func TestUpdateToSQL(t *testing.T) {
	query, args := NewUpdate("items").
		Set("revision", 7).
		Where("id = ?", 3).
		ToSQL()
	want := "UPDATE items SET revision = $1 WHERE id = $2"
	if query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
	if len(args) != 2 || args[0] != 7 || args[1] != 3 {
		t.Fatalf("args = %#v", args)
	}
}

func TestDeleteToSQL(t *testing.T) {
	query, args := NewDelete("items").Where("id = ?", 4).ToSQL()
	if query != "DELETE FROM items WHERE id = $1" {
		t.Fatalf("query = %q", query)
	}
	if len(args) != 1 || args[0] != 4 {
		t.Fatalf("args = %#v", args)
	}
}

func TestCount(t *testing.T) {
	query, _ := NewCount("items").Where("collection_id = ?", 1).ToSQL()
	if query != "SELECT COUNT(*) FROM items WHERE collection_id = $1" {
		t.Fatalf("query = %q", query)
	}
}
