// Package query builds composable query trees and compiles them to
// parameterized SQL.
//
// A tree starts at From and is refined with mutators (Where, Join, OrderBy,
// Take, Union, Select, ...). Mutators return the node they changed; once a
// tree is frozen (by Freeze, or by materializing it) they return a mutated
// clone instead and the frozen tree never changes again.
//
// Mistakes in composition, such as combining a query with itself or
// paging a set operation by a column it does not project, are recorded on
// the node. Err reports them, and every terminal operation returns them
// before any SQL is built.
//
// # Compilation
//
// Alias ordinals are assigned when a statement is emitted: the root is t0,
// joined tables follow depth first, then set operation branches. The same
// tree always compiles to the same text and argument order.
//
// Pagination:
//
//	Take(n)                    -> ... ORDER BY ... LIMIT n
//	Skip(s), or Take on a set  -> ROW_NUMBER() window over the body, with
//	                              the root key appended as a tiebreaker
//
// DISTINCT combined with ORDER BY on an expression the query does not
// project adds hidden "__o{i}" output columns; the reader then drops
// duplicates over the visible columns. Such a query is paged by the reader
// after that pass, never in SQL.
//
// # Materialization
//
// Terminal operations run one statement, buffer every row and cache the
// buffer on the tree; Count materializes too. Any on an unmaterialized
// tree runs a probe without DISTINCT and keeps its answer.
package query
