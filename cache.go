// Copyright 2026 The namedsql authors
// Licensed under Apache 2.0, see LICENCE file for details.

package namedsql

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gregalcback/namedsql/internal/template"
)

// stmtIDCount and dbIDCount are global counters used to generate unique
// cache IDs.
var stmtIDCount int64
var dbIDCount int64

type dbID = int64
type stmtID = int64

// templateCacheSize bounds the number of parsed templates retained. Raw SQL
// strings are drawn from a bounded set in practice, so the bound is a
// safeguard rather than a working-set limit.
const templateCacheSize = 512

// templateCache caches parsed templates by raw SQL text. Template derivation
// is pure, so two goroutines racing on first use may both parse the same
// string; whichever entry lands in the cache is complete and equivalent.
var templateCache, _ = lru.New[string, *template.Template](templateCacheSize)

// parseTemplate returns the cached template for the raw SQL, parsing and
// caching it on first use.
func parseTemplate(query string) (*template.Template, error) {
	if t, ok := templateCache.Get(query); ok {
		return t, nil
	}
	t, err := template.Parse(query)
	if err != nil {
		return nil, err
	}
	templateCache.Add(query, t)
	return t, nil
}

// statementCache caches the sql.Stmt objects associated with each
// namedsql.Statement. A Statement can correspond to multiple sql.Stmt values:
// one per database it runs on and per expanded SQL form. The expanded SQL is
// part of the key because collection parameters change the marker count from
// one execution to the next.
//
// The cache closes sql.Stmt objects with a finalizer on the Statement.
// Similarly a finalizer is set on DB objects to close all statements
// prepared on the DB and remove references to the DB from the cache.
//
// The mutex must be locked when accessing either the stmtDBCache or the
// dbStmtCache.
type statementCache struct {
	stmtDBCache map[stmtID]map[dbID]map[string]*sql.Stmt
	dbStmtCache map[dbID]map[stmtID]bool
	mutex       sync.RWMutex
}

var once sync.Once
var singleStmtCache *statementCache

// newStatementCache returns the single instance of the statement cache.
func newStatementCache() *statementCache {
	once.Do(func() {
		singleStmtCache = &statementCache{
			stmtDBCache: map[stmtID]map[dbID]map[string]*sql.Stmt{},
			dbStmtCache: map[dbID]map[stmtID]bool{},
		}
	})
	return singleStmtCache
}

// newStatement returns a new Statement and allocates it in the cache. A
// finalizer removes the driver statements associated with it from the cache
// and closes them once the Statement is garbage collected.
func (sc *statementCache) newStatement(tmpl *template.Template) *Statement {
	cacheID := atomic.AddInt64(&stmtIDCount, 1)
	s := &Statement{tmpl: tmpl, cacheID: cacheID}
	sc.mutex.Lock()
	sc.stmtDBCache[cacheID] = map[dbID]map[string]*sql.Stmt{}
	sc.mutex.Unlock()
	runtime.SetFinalizer(s, sc.getStmtFinalizer(s))
	return s
}

// newDB returns a new DB and allocates it in the cache. A finalizer removes
// the DB from the cache and closes all driver statements prepared on it once
// the DB is garbage collected.
func (sc *statementCache) newDB(sqldb *sql.DB) *DB {
	cacheID := atomic.AddInt64(&dbIDCount, 1)
	sc.mutex.Lock()
	sc.dbStmtCache[cacheID] = map[stmtID]bool{}
	sc.mutex.Unlock()
	db := &DB{sqldb: sqldb, cacheID: cacheID}
	runtime.SetFinalizer(db, sc.getDBFinalizer(db))
	return db
}

// lookupStmt checks the cache for a driver statement already prepared on the
// database for this Statement and expanded SQL form.
func (sc *statementCache) lookupStmt(db *DB, s *Statement, expandedSQL string) (*sql.Stmt, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	// The statement ID is only removed from the cache when the finalizer is
	// run, so it is always in stmtDBCache.
	sqlstmt, ok := sc.stmtDBCache[s.cacheID][db.cacheID][expandedSQL]
	return sqlstmt, ok
}

// prepareStmt prepares the expanded SQL on the database and stores the
// driver statement in the cache. If another goroutine prepared the same
// statement since the cache was last checked, the fresh statement is closed
// and the cached one returned.
func (sc *statementCache) prepareStmt(ctx context.Context, db *DB, s *Statement, expandedSQL string) (*sql.Stmt, error) {
	sqlstmt, err := db.sqldb.PrepareContext(ctx, expandedSQL)
	if err != nil {
		return nil, err
	}
	sc.mutex.Lock()
	dbCache := sc.stmtDBCache[s.cacheID]
	if dbCache[db.cacheID] == nil {
		dbCache[db.cacheID] = map[string]*sql.Stmt{}
	}
	sqlstmtAlt, ok := dbCache[db.cacheID][expandedSQL]
	if ok {
		sqlstmt.Close()
		sqlstmt = sqlstmtAlt
	} else {
		dbCache[db.cacheID][expandedSQL] = sqlstmt
		sc.dbStmtCache[db.cacheID][s.cacheID] = true
	}
	sc.mutex.Unlock()
	return sqlstmt, nil
}

// getStmtFinalizer returns a finalizer that removes a Statement from the
// caches and closes its driver statements.
func (sc *statementCache) getStmtFinalizer(s *Statement) func(*Statement) {
	return func(s *Statement) {
		sc.mutex.Lock()
		defer sc.mutex.Unlock()
		dbCache := sc.stmtDBCache[s.cacheID]
		for dbCacheID, stmts := range dbCache {
			for _, sqlstmt := range stmts {
				sqlstmt.Close()
			}
			delete(sc.dbStmtCache[dbCacheID], s.cacheID)
		}
		delete(sc.stmtDBCache, s.cacheID)
	}
}

// getDBFinalizer returns a finalizer that closes and removes from the cache
// all driver statements prepared on the database, then removes the database
// from the cache.
func (sc *statementCache) getDBFinalizer(db *DB) func(*DB) {
	return func(db *DB) {
		sc.mutex.Lock()
		defer sc.mutex.Unlock()
		stmts := sc.dbStmtCache[db.cacheID]
		for stmtCacheID := range stmts {
			dbCache := sc.stmtDBCache[stmtCacheID]
			for _, sqlstmt := range dbCache[db.cacheID] {
				sqlstmt.Close()
			}
			delete(dbCache, db.cacheID)
		}
		delete(sc.dbStmtCache, db.cacheID)
	}
}
