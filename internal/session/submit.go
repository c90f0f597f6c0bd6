package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/bulk"
	"github.com/roach88/keel/internal/metrics"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/tracking"
)

// Command is a statement run inside the submit transaction.
type Command struct {
	SQL  string
	Args []any
}

// SubmitOptions tunes one SubmitChanges call.
type SubmitOptions struct {
	// Timeout bounds the whole submit. Zero means no timeout.
	Timeout time.Duration

	// BeginCommands run first in the transaction, EndCommands last before
	// the concurrency recheck.
	BeginCommands []Command
	EndCommands   []Command

	// BulkThreshold is the number of rows of one table from which inserts
	// and updates take the bulk path. Zero uses bulk.Threshold; a negative
	// value disables the bulk path.
	BulkThreshold int

	// MaxPasses bounds hook re-discovery and aggregate maintenance passes.
	MaxPasses int
}

// SubmitResult summarizes a committed submit.
type SubmitResult struct {
	// ID tags the submit's log lines.
	ID       string
	Inserted int
	Updated  int
	// Deleted counts hard deletes and newly soft-deleted rows.
	Deleted int
	Elapsed time.Duration
}

// submit is the state of one SubmitChanges call.
type submit struct {
	opts SubmitOptions
	now  time.Time
	tx   *store.Tx

	// Rollback state.
	snaps map[schema.Entity]schema.Snapshot
	order []schema.Entity
	known map[schema.Entity]bool

	staged        []schema.Entity
	deletes       []deletion
	reactivations []schema.Entity
	verify        []schema.Entity

	hard    []deletion
	hardSet map[schema.Entity]bool
	soft    []schema.Entity
	softSet map[schema.Entity]bool
	hooked  map[schema.Entity]bool

	inserted    []schema.Entity
	insertedSet map[schema.Entity]bool
	updated     []schema.Entity
	updatedSet  map[schema.Entity]bool
	deleted     []schema.Entity
	touched     []schema.Entity
	touchedSet  map[schema.Entity]bool

	// Entities already handed to after hooks.
	afterInserted int
	afterDeleted  int
}

func (s *Session) newSubmit(opts SubmitOptions) *submit {
	r := &submit{
		opts:          opts,
		now:           s.clock.Now(),
		snaps:         make(map[schema.Entity]schema.Snapshot),
		known:         make(map[schema.Entity]bool),
		staged:        slices.Clone(s.staged),
		deletes:       slices.Clone(s.deletes),
		reactivations: slices.Clone(s.reactivations),
		verify:        slices.Clone(s.verify),
		hardSet:       make(map[schema.Entity]bool),
		softSet:       make(map[schema.Entity]bool),
		hooked:        make(map[schema.Entity]bool),
		insertedSet:   make(map[schema.Entity]bool),
		updatedSet:    make(map[schema.Entity]bool),
		touchedSet:    make(map[schema.Entity]bool),
	}
	for _, e := range s.ids.Entities() {
		r.known[e] = true
		r.capture(e)
	}
	for _, d := range r.deletes {
		r.capture(d.entity)
	}
	for _, e := range r.reactivations {
		r.capture(e)
	}
	return r
}

func (r *submit) capture(e schema.Entity) {
	if _, ok := r.snaps[e]; ok {
		return
	}
	r.snaps[e] = schema.Capture(e)
	r.order = append(r.order, e)
}

func (r *submit) touch(entities ...schema.Entity) {
	for _, e := range entities {
		if !r.touchedSet[e] {
			r.touchedSet[e] = true
			r.touched = append(r.touched, e)
		}
	}
}

func (r *submit) useBulk(n int) bool {
	threshold := r.opts.BulkThreshold
	if threshold == 0 {
		threshold = bulk.Threshold
	}
	return threshold > 0 && n >= threshold
}

// pending reports whether the submit has SQL to run besides inserts and
// updates.
func (r *submit) pending() bool {
	return len(r.hard) > 0 || len(r.verify) > 0 ||
		len(r.opts.BeginCommands) > 0 || len(r.opts.EndCommands) > 0
}

// SubmitChanges writes every pending change in one transaction: staged
// inserts and the unpersisted entities they reach, updates of dirty
// tracked entities, deletes and reactivations. Validation runs before any
// SQL is issued. On failure the transaction rolls back and every entity
// the submit touched is restored to its state before the call.
func (s *Session) SubmitChanges(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	if s.tx != nil {
		return SubmitResult{}, ormerr.Usage("SubmitChanges: a submit is already running")
	}
	start := time.Now()
	id := uuid.NewString()
	log := s.log.With("submit", id)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r := s.newSubmit(opts)
	s.convertDeletes(r)

	plan, updates, err := s.prepare(ctx, r)
	if err != nil {
		s.restore(r)
		metrics.SubmitTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		log.Debug("submit rejected", "error", err)
		return SubmitResult{}, err
	}

	if plan.Len() > 0 || len(updates) > 0 || r.pending() {
		if err := s.transact(ctx, r, plan); err != nil {
			s.abort(r, log)
			metrics.SubmitTotal.WithLabelValues(metrics.OutcomeRolledBack).Inc()
			metrics.SubmitDurationSeconds.Observe(time.Since(start).Seconds())
			log.Warn("submit rolled back", "error", err)
			return SubmitResult{}, err
		}
	}
	s.commit(r)

	res := SubmitResult{
		ID:       id,
		Inserted: len(r.inserted),
		Deleted:  len(r.deleted) + len(r.soft),
		Elapsed:  time.Since(start),
	}
	for _, e := range r.updated {
		if !r.softSet[e] {
			res.Updated++
		}
	}
	metrics.SubmitTotal.WithLabelValues(metrics.OutcomeCommitted).Inc()
	metrics.SubmitDurationSeconds.Observe(res.Elapsed.Seconds())
	log.Info("submit committed",
		"inserted", res.Inserted,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// convertDeletes turns deletes of soft-deletable entities into delete date
// stamps and clears the delete date of reactivated entities. What remains
// is the hard delete set.
func (s *Session) convertDeletes(r *submit) {
	for _, d := range r.deletes {
		sd, ok := d.entity.(schema.SoftDeletable)
		if !ok || d.Hard {
			r.hard = append(r.hard, d)
			r.hardSet[d.entity] = true
			continue
		}
		if f := sd.DeleteDate(); !f.Get().Valid {
			f.Set(sql.NullTime{Time: r.now, Valid: true})
			r.soft = append(r.soft, d.entity)
			r.softSet[d.entity] = true
		}
	}
	for _, e := range r.reactivations {
		if f := e.(schema.SoftDeletable).DeleteDate(); f.Get().Valid {
			f.Set(sql.NullTime{})
		}
	}
}

// candidates returns every entity whose pending changes the submit
// considers: tracked entities, entities inserted so far, and entities
// staged for deletion or reactivation.
func (s *Session) candidates(r *submit) []schema.Entity {
	seen := make(map[schema.Entity]bool)
	var out []schema.Entity
	add := func(e schema.Entity) {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range s.ids.Entities() {
		add(e)
	}
	for _, e := range r.inserted {
		add(e)
	}
	for _, d := range r.deletes {
		add(d.entity)
	}
	for _, e := range r.reactivations {
		add(e)
	}
	return out
}

// pendingUpdates returns the updates of the submit, leaving out entities
// about to be hard deleted.
func (s *Session) pendingUpdates(r *submit) []tracking.Update {
	var out []tracking.Update
	for _, u := range tracking.DiscoverUpdates(s.candidates(r)) {
		if !r.hardSet[u.Entity] {
			out = append(out, u)
		}
	}
	return out
}

// discover collects pending inserts and updates and fires before hooks on
// entities seen for the first time. Hooks may assign fields and link new
// entities, so discovery repeats until a pass finds nothing new.
func (s *Session) discover(ctx context.Context, r *submit) ([]schema.Entity, []tracking.Update, error) {
	quota := newPassQuota("hook", r.opts.MaxPasses)
	for {
		inserts := tracking.DiscoverInserts(s.candidates(r), s.staged)
		updates := s.pendingUpdates(r)

		fresh := false
		for _, e := range inserts {
			r.capture(e)
			if r.hooked[e] {
				continue
			}
			r.hooked[e], fresh = true, true
			if h, ok := e.(schema.BeforeInserter); ok {
				if err := h.BeforeInsert(ctx); err != nil {
					return nil, nil, ormerr.Validation("before-insert hook failed", tracking.Refs(e), err)
				}
			}
		}
		for _, u := range updates {
			if r.hooked[u.Entity] {
				continue
			}
			r.hooked[u.Entity], fresh = true, true
			if h, ok := u.Entity.(schema.BeforeUpdater); ok {
				if err := h.BeforeUpdate(ctx); err != nil {
					return nil, nil, ormerr.Validation("before-update hook failed", tracking.Refs(u.Entity), err)
				}
			}
		}

		if !fresh {
			return inserts, updates, nil
		}
		if err := quota.check(); err != nil {
			return nil, nil, err
		}
	}
}

// prepare runs every step of a pass that issues no SQL: discovery and
// hooks, date stamps, validation and insert ordering.
func (s *Session) prepare(ctx context.Context, r *submit) (tracking.Plan, []tracking.Update, error) {
	inserts, updates, err := s.discover(ctx, r)
	if err != nil {
		return tracking.Plan{}, nil, err
	}

	for _, e := range inserts {
		if d, ok := e.(schema.HasInsertDate); ok && d.InsertDate().Get().IsZero() {
			d.InsertDate().Set(r.now)
		}
	}
	for i, u := range updates {
		if stampUpdate(u.Entity, r.now) {
			updates[i].Columns = tracking.Dirty(u.Entity)
		}
	}

	for _, e := range inserts {
		if err := checkRequired(e); err != nil {
			return tracking.Plan{}, nil, err
		}
		if err := validate(e); err != nil {
			return tracking.Plan{}, nil, err
		}
	}
	for _, u := range updates {
		if err := validate(u.Entity); err != nil {
			return tracking.Plan{}, nil, err
		}
	}

	plan, err := tracking.Order(inserts)
	if err != nil {
		return tracking.Plan{}, nil, err
	}
	return plan, updates, nil
}

// stampUpdate sets the update date of e and reports whether it changed.
func stampUpdate(e schema.Entity, now time.Time) bool {
	d, ok := e.(schema.HasUpdateDate)
	if !ok || d.UpdateDate().IsAssigned() {
		return false
	}
	d.UpdateDate().Set(now)
	return d.UpdateDate().IsAssigned()
}

func validate(e schema.Entity) error {
	v, ok := e.(schema.Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		return ormerr.Validation(err.Error(), tracking.Refs(e), err)
	}
	return nil
}

// checkRequired fails when a required column of a pending insert was never
// assigned. A foreign key column whose reference holds a target counts as
// assigned: it is back-filled before the insert.
func checkRequired(e schema.Entity) error {
	t := e.Table()
	for _, c := range t.Columns {
		if !c.Required || c.Box(e).State() != schema.Unset {
			continue
		}
		if slices.ContainsFunc(t.ForeignKeys, func(fk *schema.ForeignKey) bool {
			return fk.Column == c && fk.Ref(e).Target() != nil
		}) {
			continue
		}
		return ormerr.Validation(fmt.Sprintf("column %s.%s is required", t.Name, c.Name), tracking.Refs(e), nil)
	}
	return nil
}

// transact runs the SQL phases of the submit on one transaction.
func (s *Session) transact(ctx context.Context, r *submit, plan tracking.Plan) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ormerr.Database(ormerr.StmtBegin, nil, err)
	}
	r.tx = tx
	s.tx = tx
	defer func() { s.tx = nil }()

	// Changes staged from here on, by aggregates, belong to the submit or
	// wait for the next one.
	s.staged, s.deletes, s.reactivations, s.verify = nil, nil, nil, nil

	if err := s.run(ctx, r.opts.BeginCommands); err != nil {
		return err
	}
	if err := s.deletePhase(ctx, r, PhaseBefore); err != nil {
		return err
	}
	written, err := s.write(ctx, r, plan)
	if err != nil {
		return err
	}
	if err := s.deletePhase(ctx, r, PhaseAfter); err != nil {
		return err
	}
	if err := s.afterHooks(ctx, r); err != nil {
		return err
	}
	if err := s.maintain(ctx, r, written); err != nil {
		return err
	}
	if err := s.run(ctx, r.opts.EndCommands); err != nil {
		return err
	}
	for _, e := range r.verify {
		if r.hardSet[e] {
			continue
		}
		if err := s.recheck(ctx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return ormerr.Database(ormerr.StmtCommit, nil, err)
	}
	return nil
}

func (s *Session) run(ctx context.Context, cmds []Command) error {
	for _, c := range cmds {
		if _, err := s.exec(ctx, c.SQL, c.Args...); err != nil {
			return ormerr.Database(ormerr.StmtRaw, nil, err)
		}
	}
	return nil
}

// write inserts the plan wave by wave, back-fills foreign keys onto the
// entities referencing what was inserted, and writes every pending update.
// It returns the entities written.
func (s *Session) write(ctx context.Context, r *submit, plan tracking.Plan) ([]schema.Entity, error) {
	var written []schema.Entity
	for _, wave := range plan.Waves {
		for _, b := range wave {
			if _, err := tracking.Backfill(b.Entities); err != nil {
				return nil, err
			}
			if err := s.insertBatch(ctx, r, b); err != nil {
				return nil, err
			}
			written = append(written, b.Entities...)
		}
	}

	if _, err := tracking.Backfill(s.candidates(r)); err != nil {
		return nil, err
	}
	updates := s.pendingUpdates(r)
	for i, u := range updates {
		if r.insertedSet[u.Entity] {
			continue
		}
		if stampUpdate(u.Entity, r.now) {
			updates[i].Columns = tracking.Dirty(u.Entity)
		}
	}
	if err := s.updateAll(ctx, r, updates); err != nil {
		return nil, err
	}
	for _, u := range updates {
		written = append(written, u.Entity)
	}
	return written, nil
}

type insertGroup struct {
	cols     []*schema.Column
	entities []schema.Entity
}

// insertBatch inserts the entities of one table. Entities sharing a column
// set take the bulk path once there are enough of them; the rest, and
// entities excluded from bulk inserts, are inserted row by row.
func (s *Session) insertBatch(ctx context.Context, r *submit, b tracking.Batch) error {
	r.touch(b.Entities...)

	var (
		groups []*insertGroup
		rows   []schema.Entity
	)
	index := make(map[string]*insertGroup)
	for _, e := range b.Entities {
		if _, ok := e.(schema.ExcludedFromBulkInsert); ok {
			rows = append(rows, e)
			continue
		}
		cols := insertColumns(e)
		sig := signature(cols)
		g, ok := index[sig]
		if !ok {
			g = &insertGroup{cols: cols}
			index[sig] = g
			groups = append(groups, g)
		}
		g.entities = append(g.entities, e)
	}

	var bulkGroups []*insertGroup
	for _, g := range groups {
		if len(g.cols) > 0 && r.useBulk(len(g.entities)) {
			bulkGroups = append(bulkGroups, g)
		}
	}
	if len(bulkGroups) > 0 {
		viaBulk := make(map[schema.Entity]bool)
		for _, g := range bulkGroups {
			if err := s.loader.Insert(ctx, r.tx, b.Table, g.cols, g.entities); err != nil {
				return err
			}
			for _, e := range g.entities {
				viaBulk[e] = true
			}
		}
		rows = rows[:0]
		for _, e := range b.Entities {
			if !viaBulk[e] {
				rows = append(rows, e)
			}
		}
	} else {
		rows = b.Entities
	}

	for _, e := range rows {
		if err := s.insertRow(ctx, e, insertColumns(e)); err != nil {
			return err
		}
	}

	for _, e := range b.Entities {
		tracking.MarkWritten(e)
		if !r.insertedSet[e] {
			r.insertedSet[e] = true
			r.inserted = append(r.inserted, e)
		}
	}
	metrics.RowsWrittenTotal.WithLabelValues(metrics.KindInsert).Add(float64(len(b.Entities)))
	return nil
}

type updateGroup struct {
	table    *schema.Table
	cols     []*schema.Column
	entities []schema.Entity
}

// updateAll writes updates grouped by table and column set. A group large
// enough takes one bulk UPDATE ... FROM; rows it did not match are stale.
func (s *Session) updateAll(ctx context.Context, r *submit, updates []tracking.Update) error {
	var groups []*updateGroup
	index := make(map[stmtKey]*updateGroup)
	for _, u := range updates {
		k := stmtKey{table: u.Entity.Table().Name, cols: signature(u.Columns)}
		g, ok := index[k]
		if !ok {
			g = &updateGroup{table: u.Entity.Table(), cols: u.Columns}
			index[k] = g
			groups = append(groups, g)
		}
		g.entities = append(g.entities, u.Entity)
	}

	for _, g := range groups {
		r.touch(g.entities...)
		if r.useBulk(len(g.entities)) {
			stale, err := s.loader.Update(ctx, r.tx, g.table, g.cols, g.entities)
			if err != nil {
				return err
			}
			if len(stale) > 0 {
				return ormerr.Concurrency(ormerr.StmtBulkUpdate, "rows changed or vanished since they were loaded", tracking.Refs(stale...))
			}
		} else {
			for _, e := range g.entities {
				if err := s.updateRow(ctx, e, g.cols); err != nil {
					return err
				}
			}
		}

		for _, e := range g.entities {
			tracking.Reset(e)
			if !r.updatedSet[e] {
				r.updatedSet[e] = true
				r.updated = append(r.updated, e)
			}
		}
		metrics.RowsWrittenTotal.WithLabelValues(metrics.KindUpdate).Add(float64(len(g.entities)))
	}
	return nil
}

// deletePhase hard deletes the entities staged for phase, nulling the
// nullable foreign keys that reference each one first.
func (s *Session) deletePhase(ctx context.Context, r *submit, phase Phase) error {
	n := 0
	for _, d := range r.hard {
		if d.Phase != phase {
			continue
		}
		r.touch(d.entity)
		if err := s.nullify(ctx, d.entity, s.candidates(r)); err != nil {
			return err
		}
		if err := s.deleteRow(ctx, d.entity); err != nil {
			return err
		}
		r.deleted = append(r.deleted, d.entity)
		n++
	}
	if n > 0 {
		metrics.RowsWrittenTotal.WithLabelValues(metrics.KindDelete).Add(float64(n))
	}
	return nil
}

// afterHooks fires after-insert hooks on entities inserted since the last
// call and after-delete hooks on deleted entities.
func (s *Session) afterHooks(ctx context.Context, r *submit) error {
	for _, e := range r.inserted[r.afterInserted:] {
		if h, ok := e.(schema.AfterInserter); ok {
			if err := h.AfterInsert(ctx); err != nil {
				return fmt.Errorf("after-insert hook of %s: %w", schema.Describe(e), err)
			}
		}
	}
	r.afterInserted = len(r.inserted)

	deleted := append(slices.Clone(r.deleted), r.soft...)
	for _, e := range deleted[r.afterDeleted:] {
		if h, ok := e.(schema.AfterDeleter); ok {
			if err := h.AfterDelete(ctx); err != nil {
				return fmt.Errorf("after-delete hook of %s: %w", schema.Describe(e), err)
			}
		}
	}
	r.afterDeleted = len(deleted)
	return nil
}

// maintain runs the registered aggregates over the entities written by the
// previous pass and writes what they changed, until a pass writes nothing.
func (s *Session) maintain(ctx context.Context, r *submit, written []schema.Entity) error {
	if len(s.aggregates) == 0 {
		return nil
	}
	quota := newPassQuota("aggregate", r.opts.MaxPasses)
	for len(written) > 0 {
		if err := quota.check(); err != nil {
			return err
		}
		for _, a := range s.aggregates {
			if err := a.Recompute(ctx, s, written); err != nil {
				return ormerr.Database(ormerr.StmtAggregate, tracking.Refs(written...), err)
			}
		}

		plan, _, err := s.prepare(ctx, r)
		if err != nil {
			return err
		}
		s.staged = nil
		if written, err = s.write(ctx, r, plan); err != nil {
			return err
		}
		if err := s.afterHooks(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// abort rolls the transaction back and restores the in-memory state.
func (s *Session) abort(r *submit, log *slog.Logger) {
	for _, e := range r.touched {
		if h, ok := e.(schema.TransactionAborter); ok {
			h.TransactionAborted()
		}
	}
	if r.tx != nil {
		if err := r.tx.Rollback(); err != nil {
			log.Warn("rollback failed", "error", err)
		}
	}
	s.restore(r)
}

// restore puts back every captured entity, the change sets, and the
// identity map as it was before the submit.
func (s *Session) restore(r *submit) {
	for _, e := range r.order {
		r.snaps[e].Restore()
	}
	s.staged, s.deletes, s.reactivations, s.verify = r.staged, r.deletes, r.reactivations, r.verify
	for _, e := range s.ids.Entities() {
		if !r.known[e] {
			s.ids.Evict(e)
		}
	}
}

// commit publishes the submit's outcome to the identity map.
func (s *Session) commit(r *submit) {
	for _, e := range r.inserted {
		s.ids.Add(e)
	}
	for _, e := range r.deleted {
		s.ids.Evict(e)
	}
	if r.tx == nil {
		s.staged, s.deletes, s.reactivations, s.verify = nil, nil, nil, nil
	}
}
