// Package session implements the unit of work: the scope within which
// loaded entities, pending changes and the identity map stay coherent.
//
// A Session routes every query through its identity map, so two queries
// returning the same row yield the same instance. Changes are staged with
// InsertOnSubmit, DeleteOnSubmit, ReactivateOnSubmit and plain field
// assignment, and written by SubmitChanges in one transaction on one
// connection, in a fixed phase order:
//
//  1. snapshot the insert, update and delete sets
//  2. convert soft deletes into delete-date updates
//  3. fire before-insert and before-update hooks until discovery is stable
//  4. validate and order inserts; nothing has touched the database yet
//  5. begin commands, before-phase deletes, insert waves, foreign key
//     back-fill, updates, after-phase deletes, after hooks, aggregate
//     maintenance, end commands, concurrency recheck, commit
//  6. on failure: transaction-aborted hooks, rollback, in-memory state
//     restored from the snapshots
//
// A Session is not safe for concurrent use. Callers needing parallelism
// use one session per goroutine.
package session
