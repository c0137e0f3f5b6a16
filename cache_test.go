// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package namedsql

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "gopkg.in/check.v1"
)

type CacheSuite struct{}

var _ = Suite(&CacheSuite{})

func (s *CacheSuite) openDB(c *C) *DB {
	sqldb, err := sql.Open("sqlite3", "file:test.db?cache=shared&mode=memory&testName="+c.TestName())
	c.Assert(err, IsNil)
	return NewDB(sqldb)
}

func (s *CacheSuite) triggerFinalizers() {
	// Try to run finalizers by calling GC several times.
	for i := 0; i <= 10; i++ {
		runtime.GC()
		time.Sleep(0)
	}
}

func (s *CacheSuite) checkStmtInCache(c *C, dbID dbID, stmtID stmtID) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	_, ok := stmtCache.stmtDBCache[stmtID][dbID]
	c.Check(ok, Equals, true)
	_, ok = stmtCache.dbStmtCache[dbID][stmtID]
	c.Check(ok, Equals, true)
}

func (s *CacheSuite) checkStmtNotInCache(c *C, stmtID stmtID) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	dbc, ok := stmtCache.stmtDBCache[stmtID]
	if ok {
		c.Check(dbc, HasLen, 0)
	}

	for _, dbc := range stmtCache.dbStmtCache {
		_, ok := dbc[stmtID]
		c.Check(ok, Equals, false)
	}
}

func (s *CacheSuite) checkDBNotInCache(c *C, dbID dbID) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	_, ok := stmtCache.dbStmtCache[dbID]
	c.Check(ok, Equals, false)

	for _, sc := range stmtCache.stmtDBCache {
		_, ok := sc[dbID]
		c.Check(ok, Equals, false)
	}
}

// checkNumDriverStmts checks the number of driver statements cached for a
// Statement on a DB, one per expanded SQL form.
func (s *CacheSuite) checkNumDriverStmts(c *C, dbID dbID, stmtID stmtID, n int) {
	stmtCache.mutex.RLock()
	defer stmtCache.mutex.RUnlock()
	c.Check(stmtCache.stmtDBCache[stmtID][dbID], HasLen, n)
}

func (s *CacheSuite) TestPreparedStatementReuse(c *C) {
	db := s.openDB(c)
	defer db.PlainDB().Close()

	var forgottenID stmtID
	// For a Statement to be removed from the cache it needs to go out of
	// scope and be garbage collected. A function is used to "forget" the
	// statement.
	func() {
		stmt, err := Prepare(`SELECT 'test'`)
		c.Assert(err, IsNil)
		forgottenID = stmt.cacheID

		// Running a query prepares the statement on the db.
		err = db.Query(nil, stmt).Run()
		c.Assert(err, IsNil)
		s.checkStmtInCache(c, db.cacheID, stmt.cacheID)
		s.checkNumDriverStmts(c, db.cacheID, stmt.cacheID, 1)

		// Running a second time does not prepare a second statement.
		err = db.Query(nil, stmt).Run()
		c.Assert(err, IsNil)
		s.checkNumDriverStmts(c, db.cacheID, stmt.cacheID, 1)
	}()

	s.triggerFinalizers()
	s.checkStmtNotInCache(c, forgottenID)
}

func (s *CacheSuite) TestStmtPerExpandedForm(c *C) {
	db := s.openDB(c)
	defer db.PlainDB().Close()

	_, err := db.PlainDB().Exec("CREATE TABLE IF NOT EXISTS t (col integer)")
	c.Assert(err, IsNil)

	stmt, err := Prepare("SELECT col FROM t WHERE col IN (:ids)")
	c.Assert(err, IsNil)

	// Different cardinalities of the same statement prepare different driver
	// statements; repeats of a cardinality reuse them.
	for _, ids := range [][]int{{1, 2}, {1, 2, 3}, {4, 5}} {
		_, err := db.Query(nil, stmt, Params(M{"ids": ids})).ListOfRows()
		c.Assert(err, IsNil)
	}
	s.checkNumDriverStmts(c, db.cacheID, stmt.cacheID, 2)
}

func (s *CacheSuite) TestClosingDB(c *C) {
	stmt, err := Prepare(`SELECT 'test'`)
	c.Assert(err, IsNil)

	var forgottenID dbID
	func() {
		db := s.openDB(c)
		defer db.PlainDB().Close()
		forgottenID = db.cacheID

		err = db.Query(nil, stmt).Run()
		c.Assert(err, IsNil)
		s.checkStmtInCache(c, db.cacheID, stmt.cacheID)
	}()

	s.triggerFinalizers()
	s.checkDBNotInCache(c, forgottenID)

	// The statement runs fine on a new DB.
	db := s.openDB(c)
	defer db.PlainDB().Close()
	err = db.Query(nil, stmt).Run()
	c.Assert(err, IsNil)
	s.checkStmtInCache(c, db.cacheID, stmt.cacheID)
}

func (s *CacheSuite) TestPreparedStatementsInTX(c *C) {
	db := s.openDB(c)
	defer db.PlainDB().Close()

	stmt, err := Prepare(`SELECT 'test'`)
	c.Assert(err, IsNil)

	tx, err := db.Begin(context.Background(), nil)
	c.Assert(err, IsNil)

	// A query on a transaction reuses a cached driver statement but does not
	// create one: this query runs directly on the transaction.
	err = tx.Query(context.Background(), stmt).Run()
	c.Assert(err, IsNil)
	s.checkNumDriverStmts(c, db.cacheID, stmt.cacheID, 0)

	// Running on the database prepares and caches the statement.
	err = db.Query(context.Background(), stmt).Run()
	c.Assert(err, IsNil)
	s.checkNumDriverStmts(c, db.cacheID, stmt.cacheID, 1)

	// The transaction now picks the cached statement up.
	err = tx.Query(context.Background(), stmt).Run()
	c.Assert(err, IsNil)
	s.checkNumDriverStmts(c, db.cacheID, stmt.cacheID, 1)

	c.Assert(tx.Commit(), IsNil)
}

// TestLateQuery checks that a Query that outlives its Statement does not hit
// a closed driver statement.
func (s *CacheSuite) TestLateQuery(c *C) {
	var q *Query
	var sqldb *sql.DB
	// Drop all the values except the query itself.
	func() {
		db := s.openDB(c)
		sqldb = db.PlainDB()

		selectStmt, err := Prepare(`SELECT 'hello'`)
		c.Assert(err, IsNil)
		q = db.Query(nil, selectStmt)
	}()

	s.triggerFinalizers()

	c.Assert(q.Run(), IsNil)
	c.Assert(sqldb.Close(), IsNil)
}

func (s *CacheSuite) TestTemplateCacheIdentity(c *C) {
	t1, err := parseTemplate("SELECT name FROM person WHERE id = :id")
	c.Assert(err, IsNil)
	t2, err := parseTemplate("SELECT name FROM person WHERE id = :id")
	c.Assert(err, IsNil)
	// Template derivation is pure, so the parsed form is cached by raw SQL.
	c.Assert(t1, Equals, t2)

	// Parse errors are not cached.
	_, err = parseTemplate("SELECT ' FROM t")
	c.Assert(err, NotNil)
	_, err = parseTemplate("SELECT ' FROM t")
	c.Assert(err, NotNil)
}
