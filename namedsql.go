// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package namedsql

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/gregalcback/namedsql/internal/bind"
	"github.com/gregalcback/namedsql/internal/template"
	"github.com/gregalcback/namedsql/internal/typeinfo"
)

// M is a convenience type for passing named parameter values.
//
// Example:
//
//	stmt := namedsql.MustPrepare("SELECT age FROM people WHERE id < :id")
//	rows, err := db.Query(ctx, stmt, namedsql.Params(namedsql.M{"id": 10})).ListOfRows()
type M = map[string]any

// Row is a single extracted result row. Keys are column labels normalized to
// lower case; values are whatever the driver returned. A Row is a copy and
// stays valid after the cursor is closed.
type Row = map[string]any

// Source provides values for the named placeholders of a statement.
type Source = bind.Source

// Params returns a Source backed by an explicit name to value mapping.
func Params(values M) Source {
	return bind.Map(values)
}

// TypedParams returns a map-backed Source with a side table of declared
// types, used to bind typed nulls for nil values.
func TypedParams(values M, types map[string]reflect.Type) Source {
	return bind.TypedMap(values, types)
}

// Fields returns a Source reading the exported fields of a struct, resolved
// by "db" tag or field name, case-insensitively.
func Fields(carrier any) Source {
	return bind.Fields(carrier)
}

// Getters returns a Source reading accessor methods of a carrier by naming
// convention: Get<Name>, Is<Name> or plain <Name>, niladic with a single
// result. Pass a pointer to reach pointer-receiver methods.
func Getters(carrier any) Source {
	return bind.Getters(carrier)
}

// Positional returns a Source supplying values by position for statements
// written with "?" markers instead of named placeholders.
func Positional(values ...any) Source {
	return bind.Positional(values...)
}

// stmtCache stores the driver prepared statements associated to Statement
// objects.
var stmtCache = newStatementCache()

// Statement is a parsed SQL template ready to be run on a database. A
// Statement can be used with any [DB] and is safe for concurrent use.
type Statement struct {
	// cacheID is used to look up the driver prepared statements associated
	// with this Statement.
	cacheID stmtID
	// tmpl is the parsed placeholder template the statement expands at query
	// time.
	tmpl *template.Template
}

// Prepare parses the ":name" placeholders in the query and returns a
// [Statement]. Parsing is pure, so templates are cached by raw SQL text and
// repeated Prepare calls for the same query are cheap.
func Prepare(query string) (*Statement, error) {
	tmpl, err := parseTemplate(query)
	if err != nil {
		return nil, err
	}
	return stmtCache.newStatement(tmpl), nil
}

// MustPrepare is the same as [Prepare] except that it panics on error.
func MustPrepare(query string) *Statement {
	s, err := Prepare(query)
	if err != nil {
		panic(err)
	}
	return s
}

// DB wraps a database handle for running prepared statements on.
type DB struct {
	// cacheID is used to look up the cached driver prepared statements
	// prepared on this database.
	cacheID dbID
	// sqldb is the underlying database/sql DB object.
	sqldb *sql.DB
}

// NewDB creates a new [DB] from a [sql.DB].
func NewDB(sqldb *sql.DB) *DB {
	if sqldb == nil {
		return nil
	}
	return stmtCache.newDB(sqldb)
}

// PlainDB returns the underlying database object.
func (db *DB) PlainDB() *sql.DB {
	return db.sqldb
}

// Query represents a query on a database. It is designed to be run once: the
// placeholders are expanded against the sources when the Query is built, and
// the statement executes when one of the extraction methods is called.
type Query struct {
	run func(ctx context.Context, wantRows bool) (*sql.Rows, sql.Result, error)
	ctx context.Context
	err error
	pq  *bind.PrimedQuery
}

// combineSources folds the supplied sources into one. The first source
// holding a name wins.
func combineSources(sources []Source) Source {
	switch len(sources) {
	case 0:
		return nil
	case 1:
		return sources[0]
	default:
		return bind.Multi(sources...)
	}
}

// Query builds a new query from a context, a [Statement] and the parameter
// sources. Placeholder resolution and expansion happen immediately;
// expansion errors surface from the extraction method without touching the
// database.
func (db *DB) Query(ctx context.Context, s *Statement, sources ...Source) *Query {
	if ctx == nil {
		ctx = context.Background()
	}

	pq, err := bind.Expand(s.tmpl, combineSources(sources))
	if err != nil {
		return &Query{ctx: ctx, err: err}
	}

	run := func(innerCtx context.Context, wantRows bool) (*sql.Rows, sql.Result, error) {
		args, err := pq.DriverArgs()
		if err != nil {
			return nil, nil, err
		}
		sqlstmt, ok := stmtCache.lookupStmt(db, s, pq.SQL())
		if !ok {
			sqlstmt, err = stmtCache.prepareStmt(innerCtx, db, s, pq.SQL())
			if err != nil {
				return nil, nil, &ExecutionError{Err: err}
			}
		}
		if wantRows {
			rows, err := sqlstmt.QueryContext(innerCtx, args...)
			if err != nil {
				return nil, nil, &ExecutionError{Err: err}
			}
			return rows, nil, nil
		}
		result, err := sqlstmt.ExecContext(innerCtx, args...)
		if err != nil {
			return nil, nil, &ExecutionError{Err: err}
		}
		return nil, result, nil
	}

	return &Query{pq: pq, run: run, ctx: ctx}
}

// ExpandedSQL returns the driver-ready SQL the query will execute, with
// collection placeholders already expanded into positional markers.
func (q *Query) ExpandedSQL() (string, error) {
	if q.err != nil {
		return "", q.err
	}
	return q.pq.SQL(), nil
}

// Iterator is a lazy, forward-only, single-pass view over the rows of an
// executed query. [Iterator.Close] must be run once iteration is finished.
type Iterator struct {
	rows *sql.Rows
	// labels holds the column labels in cursor order, normalized to lower
	// case.
	labels []string
	// firstIdx maps each label to the index of its first occurrence, for
	// case-insensitive dedup of repeated labels.
	firstIdx map[string]int
	err      error
	started  bool
}

// Iter executes the query and returns an [Iterator] over its rows.
func (q *Query) Iter() *Iterator {
	if q.err != nil {
		return &Iterator{err: q.err}
	}

	rows, _, err := q.run(q.ctx, true)
	if err != nil {
		return &Iterator{err: err}
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return &Iterator{err: &ExecutionError{Err: err}}
	}

	labels := make([]string, len(cols))
	firstIdx := make(map[string]int, len(cols))
	for i, col := range cols {
		label := strings.ToLower(col)
		labels[i] = label
		if _, ok := firstIdx[label]; !ok {
			firstIdx[label] = i
		}
	}
	return &Iterator{rows: rows, labels: labels, firstIdx: firstIdx}
}

// Columns returns the normalized column labels in cursor order.
func (iter *Iterator) Columns() []string {
	return iter.labels
}

// Next prepares the next row for [Iterator.Row] or [Iterator.Get]. If an
// error occurs during iteration it is returned by [Iterator.Close].
func (iter *Iterator) Next() bool {
	iter.started = true
	if iter.err != nil || iter.rows == nil {
		return false
	}
	return iter.rows.Next()
}

// scanValues reads the current row into a fresh slice of driver values.
func (iter *Iterator) scanValues() ([]any, error) {
	if iter.err != nil {
		return nil, iter.err
	}
	if !iter.started {
		return nil, fmt.Errorf("cannot read row before Next")
	}
	if iter.rows == nil {
		return nil, fmt.Errorf("iteration ended")
	}
	vals := make([]any, len(iter.labels))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := iter.rows.Scan(ptrs...); err != nil {
		return nil, &ExecutionError{Err: err}
	}
	return vals, nil
}

// rowFromValues builds a Row from scanned values, keeping the first column
// for any repeated label.
func (iter *Iterator) rowFromValues(vals []any) Row {
	row := make(Row, len(iter.labels))
	for i, label := range iter.labels {
		if iter.firstIdx[label] != i {
			continue
		}
		row[label] = vals[i]
	}
	return row
}

// Row decodes the result from the previous [Iterator.Next] call into a Row.
func (iter *Iterator) Row() (Row, error) {
	vals, err := iter.scanValues()
	if err != nil {
		return nil, err
	}
	return iter.rowFromValues(vals), nil
}

// Get decodes the result from the previous [Iterator.Next] call into the
// provided destination: a pointer to a struct mapped by "db" tag or field
// name, or a (pointer to a) map keyed by column label. Result columns with
// no matching struct field are ignored.
func (iter *Iterator) Get(dest any) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot get result: %w", err)
		}
	}()
	if iter.err != nil {
		return iter.err
	}
	if !iter.started {
		return fmt.Errorf("cannot call Get before Next")
	}
	if iter.rows == nil {
		return fmt.Errorf("iteration ended")
	}
	if dest == nil {
		return fmt.Errorf("need pointer to struct or map, got nil")
	}

	destVal := reflect.ValueOf(dest)
	switch destVal.Kind() {
	case reflect.Map:
		if destVal.IsNil() {
			return fmt.Errorf("need non-nil map")
		}
		return iter.getMap(destVal)
	case reflect.Pointer:
		if destVal.IsNil() {
			return fmt.Errorf("need pointer to struct or map, got nil")
		}
		elem := destVal.Elem()
		switch elem.Kind() {
		case reflect.Struct:
			return iter.getStruct(elem)
		case reflect.Map:
			if elem.IsNil() {
				elem.Set(reflect.MakeMap(elem.Type()))
			}
			return iter.getMap(elem)
		}
		return fmt.Errorf("need pointer to struct or map, got pointer to %s", elem.Kind())
	default:
		return fmt.Errorf("need pointer to struct or map, got %s", destVal.Kind())
	}
}

// getMap scans the current row into a map keyed by column label.
func (iter *Iterator) getMap(mapVal reflect.Value) error {
	t := mapVal.Type()
	if t.Key().Kind() != reflect.String {
		return fmt.Errorf("map key type must be string, got %s", t.Key())
	}
	if t.Elem().Kind() != reflect.Interface || t.Elem().NumMethod() != 0 {
		return fmt.Errorf("map value type must be any, got %s", t.Elem())
	}
	vals, err := iter.scanValues()
	if err != nil {
		return err
	}
	for label, v := range iter.rowFromValues(vals) {
		mapVal.SetMapIndex(reflect.ValueOf(label).Convert(t.Key()), reflect.ValueOf(&v).Elem())
	}
	return nil
}

// getStruct scans the current row into the fields of structVal, resolving
// columns to fields through the cached capability table.
func (iter *Iterator) getStruct(structVal reflect.Value) error {
	info, err := typeinfo.ForStruct(structVal.Type())
	if err != nil {
		return err
	}

	var sink any
	var proxies []*typeinfo.ScanProxy
	ptrs := make([]any, len(iter.labels))
	for i, label := range iter.labels {
		f, ok := info.Field(label)
		if !ok || iter.firstIdx[label] != i {
			ptrs[i] = &sink
			continue
		}
		ptr, proxy, err := f.ScanTarget(structVal)
		if err != nil {
			return err
		}
		if proxy != nil {
			proxies = append(proxies, proxy)
		}
		ptrs[i] = ptr
	}
	if err := iter.rows.Scan(ptrs...); err != nil {
		return err
	}
	for _, proxy := range proxies {
		proxy.OnSuccess()
	}
	return nil
}

// Close finishes the iteration and returns any errors encountered, after the
// cursor has been released. Close can be called multiple times and returns
// the same error.
func (iter *Iterator) Close() error {
	iter.started = true
	if iter.rows == nil {
		return iter.err
	}
	cerr := iter.rows.Close()
	rerr := iter.rows.Err()
	iter.rows = nil
	if iter.err == nil {
		if rerr != nil {
			iter.err = &ExecutionError{Err: rerr}
		} else if cerr != nil {
			iter.err = &ExecutionError{Err: cerr}
		}
	}
	return iter.err
}

// readOne reads the row values of a cursor that must hold exactly one row
// and closes the iterator. found is false when the cursor was empty; more
// than one row is an IncorrectResultSizeError.
func (iter *Iterator) readOne() (vals []any, found bool, err error) {
	if !iter.Next() {
		if err := iter.Close(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	vals, err = iter.scanValues()
	if err != nil {
		iter.Close()
		return nil, false, err
	}
	extra := 0
	for iter.Next() {
		extra++
	}
	cerr := iter.Close()
	if extra > 0 {
		return nil, false, &IncorrectResultSizeError{Expected: 1, Actual: 1 + extra}
	}
	if cerr != nil {
		return nil, false, cerr
	}
	return vals, true, nil
}

// ListOfRows runs the query and materializes every row in cursor order. An
// empty cursor yields an empty list, not an error.
func (q *Query) ListOfRows() ([]Row, error) {
	iter := q.Iter()
	rows := []Row{}
	for iter.Next() {
		row, err := iter.Row()
		if err != nil {
			iter.Close()
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}

// SingleColumn runs the query and extracts the only column's value from each
// row. A result set with more than one column is a ColumnCountError.
func (q *Query) SingleColumn() ([]any, error) {
	iter := q.Iter()
	if iter.err == nil && len(iter.labels) != 1 {
		n := len(iter.labels)
		iter.Close()
		return nil, &ColumnCountError{Expected: 1, Actual: n}
	}
	vals := []any{}
	for iter.Next() {
		rowVals, err := iter.scanValues()
		if err != nil {
			iter.Close()
			return nil, err
		}
		vals = append(vals, rowVals[0])
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return vals, nil
}

// SingleRow runs the query and extracts its only row. Zero rows or more
// than one row is an IncorrectResultSizeError.
func (q *Query) SingleRow() (Row, error) {
	iter := q.Iter()
	vals, found, err := iter.readOne()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &IncorrectResultSizeError{Expected: 1, Actual: 0}
	}
	return iter.rowFromValues(vals), nil
}

// SingleValue runs the query and extracts the single value of its only row.
// The row count is checked before the column count: a multi-row result is an
// IncorrectResultSizeError regardless of its columns.
func (q *Query) SingleValue() (any, error) {
	iter := q.Iter()
	vals, found, err := iter.readOne()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &IncorrectResultSizeError{Expected: 1, Actual: 0}
	}
	if len(vals) != 1 {
		return nil, &ColumnCountError{Expected: 1, Actual: len(vals)}
	}
	return vals[0], nil
}

// OptionalValue is like [Query.SingleValue] except that an empty cursor
// reports absence instead of an error. More than one row is still an
// IncorrectResultSizeError.
func (q *Query) OptionalValue() (any, bool, error) {
	iter := q.Iter()
	vals, found, err := iter.readOne()
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if len(vals) != 1 {
		return nil, false, &ColumnCountError{Expected: 1, Actual: len(vals)}
	}
	return vals[0], true, nil
}

// Get runs the query and decodes its only row into dest, a pointer to a
// struct or map. Zero rows or more than one row is an
// IncorrectResultSizeError.
func (q *Query) Get(dest any) error {
	iter := q.Iter()
	if !iter.Next() {
		if err := iter.Close(); err != nil {
			return err
		}
		return &IncorrectResultSizeError{Expected: 1, Actual: 0}
	}
	if err := iter.Get(dest); err != nil {
		iter.Close()
		return err
	}
	extra := 0
	for iter.Next() {
		extra++
	}
	cerr := iter.Close()
	if extra > 0 {
		return &IncorrectResultSizeError{Expected: 1, Actual: 1 + extra}
	}
	return cerr
}

// GetAll runs the query and decodes every row into the provided slice.
// sliceArg must be a pointer to a slice of structs, pointers to structs, or
// maps. An empty cursor yields an empty slice.
func (q *Query) GetAll(sliceArg any) (err error) {
	if q.err != nil {
		return q.err
	}

	ptrVal := reflect.ValueOf(sliceArg)
	if ptrVal.Kind() != reflect.Pointer {
		return fmt.Errorf("need pointer to slice, got %s", ptrVal.Kind())
	}
	if ptrVal.IsNil() {
		return fmt.Errorf("need pointer to slice, got nil")
	}
	sliceVal := ptrVal.Elem()
	if sliceVal.Kind() != reflect.Slice {
		return fmt.Errorf("need pointer to slice, got pointer to %s", sliceVal.Kind())
	}
	elemType := sliceVal.Type().Elem()
	switch elemType.Kind() {
	case reflect.Struct, reflect.Map:
	case reflect.Pointer:
		if elemType.Elem().Kind() != reflect.Struct {
			return fmt.Errorf("need slice of structs/maps, got slice of pointer to %s", elemType.Elem().Kind())
		}
	default:
		return fmt.Errorf("need slice of structs/maps, got slice of %s", elemType.Kind())
	}

	out := reflect.MakeSlice(sliceVal.Type(), 0, 0)
	iter := q.Iter()
	for iter.Next() {
		var outputArg reflect.Value
		switch elemType.Kind() {
		case reflect.Pointer:
			outputArg = reflect.New(elemType.Elem())
		case reflect.Struct:
			outputArg = reflect.New(elemType)
		case reflect.Map:
			outputArg = reflect.MakeMap(elemType)
		}
		if err := iter.Get(outputArg.Interface()); err != nil {
			iter.Close()
			return err
		}
		switch elemType.Kind() {
		case reflect.Pointer, reflect.Map:
			out = reflect.Append(out, outputArg)
		case reflect.Struct:
			out = reflect.Append(out, outputArg.Elem())
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	ptrVal.Elem().Set(out)
	return nil
}

// Outcome holds metadata about an executed statement.
type Outcome struct {
	result sql.Result
}

// Result returns the [sql.Result] of the execution.
func (o *Outcome) Result() sql.Result {
	return o.result
}

// Exec runs the statement without reading rows and returns its [Outcome].
func (q *Query) Exec() (*Outcome, error) {
	if q.err != nil {
		return nil, q.err
	}
	_, result, err := q.run(q.ctx, false)
	if err != nil {
		return nil, err
	}
	return &Outcome{result: result}, nil
}

// Run executes the statement and disregards any results.
func (q *Query) Run() error {
	_, err := q.Exec()
	return err
}

// Update executes the statement and returns the number of rows affected.
func (q *Query) Update() (int64, error) {
	outcome, err := q.Exec()
	if err != nil {
		return 0, err
	}
	count, err := outcome.Result().RowsAffected()
	if err != nil {
		return 0, &ExecutionError{Err: err}
	}
	return count, nil
}

// TX represents a transaction on the database.
type TX struct {
	sqltx *sql.Tx
	db    *DB
	done  int32
}

func (tx *TX) isDone() bool {
	return atomic.LoadInt32(&tx.done) == 1
}

func (tx *TX) setDone() error {
	if !atomic.CompareAndSwapInt32(&tx.done, 0, 1) {
		return ErrTXDone
	}
	return nil
}

// Begin starts a transaction. A transaction must be ended with a [TX.Commit]
// or [TX.Rollback].
func (db *DB) Begin(ctx context.Context, opts *TXOptions) (*TX, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sqltx, err := db.sqldb.BeginTx(ctx, opts.plainTXOptions())
	if err != nil {
		return nil, err
	}
	return &TX{sqltx: sqltx, db: db}, nil
}

// Commit commits the transaction.
func (tx *TX) Commit() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Commit()
	}
	return err
}

// Rollback aborts the transaction.
func (tx *TX) Rollback() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Rollback()
	}
	return err
}

// TXOptions holds the transaction options to be used in [DB.Begin].
type TXOptions struct {
	// Isolation is the transaction isolation level.
	// If zero, the driver or database's default level is used.
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (txopts *TXOptions) plainTXOptions() *sql.TxOptions {
	if txopts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: txopts.Isolation, ReadOnly: txopts.ReadOnly}
}

// Query builds a new query on the transaction from a [Statement] and the
// parameter sources.
func (tx *TX) Query(ctx context.Context, s *Statement, sources ...Source) *Query {
	if ctx == nil {
		ctx = context.Background()
	}
	if tx.isDone() {
		return &Query{ctx: ctx, err: ErrTXDone}
	}

	pq, err := bind.Expand(s.tmpl, combineSources(sources))
	if err != nil {
		return &Query{ctx: ctx, err: err}
	}

	run := func(innerCtx context.Context, wantRows bool) (rows *sql.Rows, result sql.Result, err error) {
		args, err := pq.DriverArgs()
		if err != nil {
			return nil, nil, err
		}
		if sqlstmt, ok := stmtCache.lookupStmt(tx.db, s, pq.SQL()); ok {
			// Register the prepared statement on the transaction. Note that
			// this does not re-prepare the statement on the driver. The
			// txstmt is closed by database/sql when the transaction is
			// committed or rolled back.
			txstmt := tx.sqltx.Stmt(sqlstmt)
			if wantRows {
				rows, err = txstmt.QueryContext(innerCtx, args...)
			} else {
				result, err = txstmt.ExecContext(innerCtx, args...)
			}
		} else if wantRows {
			rows, err = tx.sqltx.QueryContext(innerCtx, pq.SQL(), args...)
		} else {
			result, err = tx.sqltx.ExecContext(innerCtx, pq.SQL(), args...)
		}
		if err != nil {
			return nil, nil, &ExecutionError{Err: err}
		}
		return rows, result, nil
	}

	return &Query{pq: pq, ctx: ctx, run: run}
}
