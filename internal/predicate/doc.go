// Package predicate provides the immutable expression tree used in WHERE,
// ON, ORDER BY, GROUP BY and projection lists, and its SQL renderer.
//
// EXPRESSION NODES:
//
//   - member: a column of a table alias, rendered t{ordinal}."column"
//   - param: a value bound as a placeholder argument, never inlined
//   - literal: a hot literal rendered inline (see below)
//   - op: an n-ary operator rendered from a template such as "{0} = {1}"
//   - in: set membership against a list of values
//   - aggregate: COUNT/MAX/MIN/SUM/AVG with optional DISTINCT
//   - named: an expression with an output column name
//
// ALIASES:
//
// A member refers to an *Alias, not to a table name. The alias ordinal is
// assigned by the query compiler when the statement is emitted, because the
// final ordinal of a joined table is only known once the whole tree exists.
// Cloning a query rebinds its expressions to the clone's aliases.
//
// HOT LITERALS:
//
// Values are bound, with one closed exception: NULL, booleans and the
// integers 0 and 1 are rendered inline. These values dominate flag and
// soft-delete filters, and keeping them in the statement text lets the
// planner build a plan per value instead of one generic plan.
//
// SET MEMBERSHIP:
//
//	In(x)            -> 1 = 0      (always false)
//	In(x, v)         -> x = ?      (plain equality, one cached plan)
//	In(x, v1, v2...) -> dialect set form bound as a single argument
//
// COMBINATORS:
//
// And, Or and Not are plain functions over data. Both operands are built
// before combining, there is no short-circuit evaluation to preserve.
//
// ARGUMENT ORDER:
//
// Arguments are appended in the order their placeholders appear in the
// statement text, so positional "?" and numbered "$n" placeholders agree.
package predicate
