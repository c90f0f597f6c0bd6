package session

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/keel/internal/bulk"
	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/identity"
	"github.com/roach88/keel/internal/metrics"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/query"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/store"
)

// Clock stamps insert, update and delete dates.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// statementCacheSize bounds the generated statement text cache.
const statementCacheSize = 512

// Session is a unit of work over one store.
type Session struct {
	store  *store.Store
	reg    *schema.Registry
	ids    *identity.Map
	clock  Clock
	log    *slog.Logger
	mat    schema.Materializer
	loader *bulk.Loader
	stmts  *lru.Cache

	// tx is set while SubmitChanges runs; every statement goes through it.
	tx *store.Tx

	staged        []schema.Entity
	deletes       []deletion
	reactivations []schema.Entity
	verify        []schema.Entity
	aggregates    []Aggregate
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for date stamps.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMaterializer replaces the descriptor-driven materializer.
func WithMaterializer(m schema.Materializer) Option {
	return func(s *Session) { s.mat = m }
}

// WithBulkWriter replaces the dialect's native bulk writer.
func WithBulkWriter(w bulk.Writer) Option {
	return func(s *Session) { s.loader.Writer = w }
}

// WithTempNames sets the generator of bulk temp table names.
func WithTempNames(g bulk.NameGenerator) Option {
	return func(s *Session) { s.loader.Names = g }
}

// New creates a session over st. Every entity type the session writes
// must be registered in reg.
func New(st *store.Store, reg *schema.Registry, opts ...Option) *Session {
	stmts, err := lru.New(statementCacheSize)
	if err != nil {
		panic(err)
	}
	s := &Session{
		store:  st,
		reg:    reg,
		ids:    identity.New(),
		clock:  systemClock{},
		log:    slog.Default(),
		mat:    schema.DescriptorMaterializer{},
		loader: &bulk.Loader{},
		stmts:  stmts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loader.Logger = s.log
	return s
}

// Dialect implements query.Querier.
func (s *Session) Dialect() dialect.Dialect {
	return s.store.Dialect()
}

// Query implements query.Querier. During a submit the statement runs on the
// submit's transaction; otherwise it borrows a short-lived connection.
func (s *Session) Query(ctx context.Context, q string, args []any, fn func(*sql.Rows) error) error {
	metrics.QueryRoundTripsTotal.Inc()
	if s.tx != nil {
		return s.tx.Query(ctx, q, args, fn)
	}
	return s.store.Query(ctx, q, args, fn)
}

func (s *Session) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	metrics.QueryRoundTripsTotal.Inc()
	if s.tx != nil {
		return s.tx.Exec(ctx, q, args...)
	}
	return s.store.Exec(ctx, q, args...)
}

// Materialize implements query.Executor. A row whose key is already cached
// yields the cached instance; the freshly scanned one is discarded.
func (s *Session) Materialize(t *schema.Table, cur schema.Cursor) (schema.Entity, error) {
	e, err := s.mat.Materialize(t, cur)
	if err != nil {
		return nil, err
	}
	key := schema.KeyOf(e)
	if key <= 0 {
		return e, nil
	}
	return s.ids.GetOrAdd(t, t.Key.Name, key, e), nil
}

// From starts a query over t bound to the session.
func (s *Session) From(t *schema.Table) *query.Node {
	return query.From(s, t)
}

// Load returns the entity of t with the given key, from the identity map
// when cached. A missing row is a NotFound error.
func (s *Session) Load(ctx context.Context, t *schema.Table, key int64) (schema.Entity, error) {
	if e, ok := s.ids.TryGet(t, t.Key.Name, key); ok {
		return e, nil
	}
	q := s.From(t)
	return q.Where(predicate.Eq(q.Col(t.Key.Name), key)).Single(ctx)
}

// LoadMany returns the entities of t with the given keys, in key order.
// Keys without a row are skipped. Cached entities are not re-read.
func (s *Session) LoadMany(ctx context.Context, t *schema.Table, keys ...int64) ([]schema.Entity, error) {
	var missing []any
	for _, k := range keys {
		if _, ok := s.ids.TryGet(t, t.Key.Name, k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		q := s.From(t)
		if _, err := q.Where(predicate.In(q.Col(t.Key.Name), missing...)).ToList(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]schema.Entity, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.ids.TryGet(t, t.Key.Name, k); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Attach puts an entity loaded elsewhere under the session's tracking and
// returns the instance the session tracks for its key.
func (s *Session) Attach(e schema.Entity) (schema.Entity, error) {
	if !schema.IsPersisted(e) {
		return nil, ormerr.Usage("Attach: %s has no identity, use InsertOnSubmit", schema.Describe(e))
	}
	return s.ids.Add(e), nil
}

// Tracked returns the entities in the identity map, in load order.
func (s *Session) Tracked() []schema.Entity {
	return s.ids.Entities()
}

// Resolve returns the target of relationship name on e. An in-memory
// target is returned as is; otherwise the target is loaded by key through
// the identity map and remembered on the reference. A nil foreign key
// yields nil. Resolving a reference whose lazy load is disabled is a usage
// error.
func (s *Session) Resolve(ctx context.Context, e schema.Entity, name string) (schema.Entity, error) {
	fk := e.Table().ForeignKey(name)
	if fk == nil {
		return nil, ormerr.Usage("Resolve: %s has no reference %q", e.Table().Name, name)
	}
	ref := fk.Ref(e)
	if ref.Target() != nil {
		return ref.Target(), nil
	}
	key := schema.ToInt64(fk.Column.Box(e).Value())
	if key <= 0 {
		return nil, nil
	}
	if ref.LazyLoadDisabled() {
		return nil, ormerr.Usage("Resolve: lazy load of %s.%s is disabled", e.Table().Name, name)
	}
	if fk.Target == nil {
		return nil, ormerr.Usage("Resolve: reference %s.%s targets unregistered table %q", e.Table().Name, name, fk.TargetName)
	}
	target, err := s.Load(ctx, fk.Target, key)
	if err != nil {
		return nil, err
	}
	ref.Set(target)
	return target, nil
}

// Clear evicts every cached entity and drops all pending changes.
func (s *Session) Clear() {
	s.ids.Clear()
	s.staged = nil
	s.deletes = nil
	s.reactivations = nil
	s.verify = nil
}

// ExecuteRaw runs a statement outside the change-tracking machinery and
// returns the number of affected rows. During a submit it runs on the
// submit's transaction.
func (s *Session) ExecuteRaw(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, ormerr.Database(ormerr.StmtRaw, nil, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ormerr.Database(ormerr.StmtRaw, nil, err)
	}
	return n, nil
}

// BulkDelete deletes every row matched by q in one statement and purges
// q's table from the identity map, since cached instances of it can no
// longer be proven live.
func (s *Session) BulkDelete(ctx context.Context, q *query.Node) (int64, error) {
	t := q.Table()
	keys := q.Clone()
	keys = keys.Select(keys.Col(t.Key.Name))
	st, err := keys.Compile()
	if err != nil {
		return 0, err
	}

	d := s.Dialect()
	stmt := "DELETE FROM " + d.Quote(t.Name) + " WHERE " + d.Quote(t.Key.Name) + " IN (" + st.SQL + ")"
	res, err := s.exec(ctx, stmt, st.Args...)
	if err != nil {
		return 0, ormerr.Database(ormerr.StmtDelete, nil, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ormerr.Database(ormerr.StmtDelete, nil, err)
	}

	purged := s.ids.Purge(t)
	s.log.Debug("bulk delete", "table", t.Name, "rows", n, "purged", purged)
	return n, nil
}
