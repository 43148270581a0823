// Package sqlbuilder provides the storage engine's SQL statement builders
// and a scoped-transaction helper over sqlx (spec §4.3 "Query builder and
// SQL driver wrapper"). It supports PostgreSQL directly and, for SQLite-
// like backends that serialize all writes through one connection, a
// process-wide write mutex so nested BEGIN/COMMIT calls behave like the
// savepoint-free transactions those drivers expect.
package sqlbuilder

import (
	"fmt"
	"strings"
)

// Select builds a SELECT statement incrementally. Zero value is usable.
type Select struct {
	table   string
	columns []string
	joins   []string
	wheres  []string
	args    []interface{}
	orderBy string
	limit   int
	hasLimit bool
}

func NewSelect(table string, columns ...string) *Select {
	return &Select{table: table, columns: columns}
}

func (s *Select) Join(clause string) *Select {
	s.joins = append(s.joins, clause)
	return s
}

// Where adds a condition in '?' placeholder form; ToSQL rewrites '?' to
// the driver's positional syntax ($1, $2, ...).
func (s *Select) Where(cond string, args ...interface{}) *Select {
	s.wheres = append(s.wheres, cond)
	s.args = append(s.args, args...)
	return s
}

func (s *Select) OrderBy(clause string) *Select {
	s.orderBy = clause
	return s
}

func (s *Select) Limit(n int) *Select {
	s.limit = n
	s.hasLimit = true
	return s
}

// ToSQL renders the statement using '$n' positional placeholders (pq
// style). Callers targeting a '?'-style driver should use ToSQLQuestion.
func (s *Select) ToSQL() (string, []interface{}) {
	query, args := s.build()
	return rewritePlaceholders(query, "$"), args
}

func (s *Select) ToSQLQuestion() (string, []interface{}) {
	query, args := s.build()
	return query, args
}

func (s *Select) build() (string, []interface{}) {
	cols := "*"
	if len(s.columns) > 0 {
		cols = strings.Join(s.columns, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, s.table)
	for _, j := range s.joins {
		b.WriteString(" " + j)
	}
	if len(s.wheres) > 0 {
		b.WriteString(" WHERE " + strings.Join(s.wheres, " AND "))
	}
	if s.orderBy != "" {
		b.WriteString(" ORDER BY " + s.orderBy)
	}
	if s.hasLimit {
		fmt.Fprintf(&b, " LIMIT %d", s.limit)
	}
	return b.String(), s.args
}

// Insert builds an INSERT ... VALUES statement for a single row.
type Insert struct {
	table   string
	columns []string
	args    []interface{}
	returning string
}

func NewInsert(table string) *Insert { return &Insert{table: table} }

func (i *Insert) Set(column string, value interface{}) *Insert {
	i.columns = append(i.columns, column)
	i.args = append(i.args, value)
	return i
}

func (i *Insert) Returning(column string) *Insert {
	i.returning = column
	return i
}

func (i *Insert) ToSQL() (string, []interface{}) {
	placeholders := make([]string, len(i.columns))
	for n := range placeholders {
		placeholders[n] = fmt.Sprintf("$%d", n+1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", i.table, strings.Join(i.columns, ", "), strings.Join(placeholders, ", "))
	if i.returning != "" {
		fmt.Fprintf(&b, " RETURNING %s", i.returning)
	}
	return b.String(), i.args
}

// Update builds an UPDATE statement.
type Update struct {
	table  string
	sets   []string
	args   []interface{}
	wheres []string
}

func NewUpdate(table string) *Update { return &Update{table: table} }

func (u *Update) Set(column string, value interface{}) *Update {
	u.sets = append(u.sets, column+" = ?")
	u.args = append(u.args, value)
	return u
}

func (u *Update) Where(cond string, args ...interface{}) *Update {
	u.wheres = append(u.wheres, cond)
	u.args = append(u.args, args...)
	return u
}

func (u *Update) ToSQL() (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s", u.table, strings.Join(u.sets, ", "))
	if len(u.wheres) > 0 {
		b.WriteString(" WHERE " + strings.Join(u.wheres, " AND "))
	}
	return rewritePlaceholders(b.String(), "$"), u.args
}

// Delete builds a DELETE statement.
type Delete struct {
	table  string
	wheres []string
	args   []interface{}
}

func NewDelete(table string) *Delete { return &Delete{table: table} }

func (d *Delete) Where(cond string, args ...interface{}) *Delete {
	d.wheres = append(d.wheres, cond)
	d.args = append(d.args, args...)
	return d
}

func (d *Delete) ToSQL() (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s", d.table)
	if len(d.wheres) > 0 {
		b.WriteString(" WHERE " + strings.Join(d.wheres, " AND "))
	}
	return rewritePlaceholders(b.String(), "$"), d.args
}

// Count builds a SELECT COUNT(*) statement.
func NewCount(table string) *Select {
	return NewSelect(table, "COUNT(*)")
}

// rewritePlaceholders turns sequential '?' markers into "$1", "$2", ... so
// builders can be written driver-agnostically and finalized per backend.
func rewritePlaceholders(query, marker string) string {
	if marker != "$" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
