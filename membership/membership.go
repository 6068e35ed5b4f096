// Package membership keeps group member lists consistent across devices that see membership
// events in different orders. Events form a causal graph through their dependencies; the member
// list is a fold over that graph and does not depend on arrival order.
package membership

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/ids"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/metrics"
	"github.com/meow-io/go-chatmail/migration"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	statePending = iota
	stateApplied
	stateEvicted
)

const timestampTolerance = 60 * time.Second

// Hook receives the recomputed state of a group inside the transaction that changed it.
// MembershipStale is called when a group starts or stops missing events.
type Hook interface {
	MembershipChanged(tx *db.Tx, groupID string, members []string, name string) error
	MembershipStale(tx *db.Tx, groupID string, stale bool) error
}

type ApplyResult struct {
	ID        ids.Digest
	Duplicate bool
	Buffered  bool
	// Applied lists this event and every buffered event it unblocked, in application order.
	Applied []ids.Digest
}

type Synchronizer struct {
	log        *zap.SugaredLogger
	clock      clock.Clock
	maxPending int
	timeout    time.Duration
	sink       events.Sink
	hook       Hook
}

type row struct {
	ID         []byte `db:"id"`
	GroupID    string `db:"group_id"`
	Actor      string `db:"actor"`
	Kind       Kind   `db:"kind"`
	Member     string `db:"member"`
	Name       string `db:"name"`
	Timestamp  int64  `db:"ts"`
	Hint       int64  `db:"hint"`
	State      int    `db:"state"`
	ReceivedAt int64  `db:"received_at"`
}

func New(c *config.Config, d *db.Database, cl clock.Clock, sink events.Sink, hook Hook) (*Synchronizer, error) {
	if err := d.Migrate("_membership", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _membership_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id BLOB NOT NULL UNIQUE,
		group_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		kind INTEGER NOT NULL,
		member TEXT NOT NULL,
		name TEXT NOT NULL,
		ts INTEGER NOT NULL,
		hint INTEGER NOT NULL,
		state INTEGER NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX _membership_events_group ON _membership_events (group_id, state);
	CREATE TABLE _membership_deps (
		id BLOB NOT NULL,
		dep BLOB NOT NULL,
		PRIMARY KEY (id, dep)
	);
	CREATE TABLE _membership_groups (
		group_id TEXT PRIMARY KEY,
		stale BOOLEAN NOT NULL
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Synchronizer{
		log:        c.Logger("membership"),
		clock:      cl,
		maxPending: c.MaxPendingMembershipEvents,
		timeout:    time.Duration(c.PendingMembershipTimeoutMs) * time.Millisecond,
		sink:       sink,
		hook:       hook,
	}, nil
}

// Apply records ev. It is applied when all its dependencies are, otherwise buffered until they
// arrive. Applying an event also applies any buffered events that were waiting on it.
func (s *Synchronizer) Apply(tx *db.Tx, ev *Event) (*ApplyResult, error) {
	id, err := ev.ID()
	if err != nil {
		return nil, err
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	res := &ApplyResult{ID: id}

	var state int
	err = tx.Get(&state, "SELECT state FROM _membership_events WHERE id = ?", id[:])
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.insert(tx, id, ev); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("membership: error looking up event: %w", err)
	case state == stateEvicted:
		// evicted events are kept, a redelivery puts them back in the buffer
		if _, err := tx.Exec("UPDATE _membership_events SET state = ?, received_at = ? WHERE id = ?", statePending, s.clock.Now().UnixMilli(), id[:]); err != nil {
			return nil, fmt.Errorf("membership: error restoring event: %w", err)
		}
		metrics.Membership("restored")
	default:
		metrics.Membership("duplicate")
		res.Duplicate = true
		return res, nil
	}

	applied, err := s.drain(tx, ev.GroupID)
	if err != nil {
		return nil, err
	}
	res.Applied = applied
	if len(applied) == 0 {
		res.Buffered = true
		metrics.Membership("buffered")
		s.log.Debugf("buffering %s for group %s", id, ev.GroupID)
		if err := s.evict(tx, ev.GroupID); err != nil {
			return nil, err
		}
		return res, nil
	}
	for range applied {
		metrics.Membership("applied")
	}
	if err := s.publish(tx, ev.GroupID); err != nil {
		return nil, err
	}
	if err := s.refresh(tx, ev.GroupID); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Synchronizer) insert(tx *db.Tx, id ids.Digest, ev *Event) error {
	now := s.clock.Now()
	hint := time.UnixMilli(ev.Timestamp)
	if limit := now.Add(timestampTolerance); hint.After(limit) {
		hint = limit
	}
	if _, err := tx.Exec(`
	INSERT INTO _membership_events (id, group_id, actor, kind, member, name, ts, hint, state, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id[:], ev.GroupID, ev.Actor, ev.Kind, ev.Member, ev.Name, ev.Timestamp, hint.UnixMilli(), statePending, now.UnixMilli()); err != nil {
		return fmt.Errorf("membership: error inserting event: %w", err)
	}
	for _, dep := range ev.Deps {
		if _, err := tx.Exec("INSERT INTO _membership_deps (id, dep) VALUES (?, ?)", id[:], dep[:]); err != nil {
			return fmt.Errorf("membership: error inserting dependency: %w", err)
		}
	}
	return nil
}

// drain applies pending events of the group whose dependencies are all applied until none is left.
func (s *Synchronizer) drain(tx *db.Tx, groupID string) ([]ids.Digest, error) {
	var out []ids.Digest
	for {
		var ready [][]byte
		if err := tx.Select(&ready, `
		SELECT e.id FROM _membership_events e
		WHERE e.group_id = ? AND e.state = ? AND NOT EXISTS (
			SELECT 1 FROM _membership_deps d
			LEFT JOIN _membership_events p ON p.id = d.dep AND p.state = ?
			WHERE d.id = e.id AND p.id IS NULL
		) ORDER BY e.seq`, groupID, statePending, stateApplied); err != nil {
			return nil, fmt.Errorf("membership: error finding applicable events: %w", err)
		}
		if len(ready) == 0 {
			return out, nil
		}
		for _, id := range ready {
			if _, err := tx.Exec("UPDATE _membership_events SET state = ? WHERE id = ?", stateApplied, id); err != nil {
				return nil, fmt.Errorf("membership: error applying event: %w", err)
			}
			d, err := ids.DigestFromBytes(id)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
}

// evict drops the oldest pending events once the group buffers more than allowed.
func (s *Synchronizer) evict(tx *db.Tx, groupID string) error {
	var pending int
	if err := tx.Get(&pending, "SELECT COUNT(*) FROM _membership_events WHERE group_id = ? AND state = ?", groupID, statePending); err != nil {
		return fmt.Errorf("membership: error counting pending events: %w", err)
	}
	over := pending - s.maxPending
	if over <= 0 {
		return nil
	}
	if _, err := tx.Exec(`
	UPDATE _membership_events SET state = ? WHERE seq IN (
		SELECT seq FROM _membership_events WHERE group_id = ? AND state = ? ORDER BY seq LIMIT ?
	)`, stateEvicted, groupID, statePending, over); err != nil {
		return fmt.Errorf("membership: error evicting events: %w", err)
	}
	for i := 0; i < over; i++ {
		metrics.Membership("evicted")
	}
	s.log.Warnf("evicted %d buffered events of group %s", over, groupID)
	return s.markStale(tx, groupID)
}

// Expire flags groups whose buffered events have waited longer than the configured timeout.
func (s *Synchronizer) Expire(tx *db.Tx, now time.Time) ([]string, error) {
	var groups []string
	if err := tx.Select(&groups, `
	SELECT DISTINCT e.group_id FROM _membership_events e
	LEFT JOIN _membership_groups g ON g.group_id = e.group_id
	WHERE e.state = ? AND e.received_at < ? AND COALESCE(g.stale, 0) = 0
	ORDER BY e.group_id`, statePending, now.Add(-s.timeout).UnixMilli()); err != nil {
		return nil, fmt.Errorf("membership: error finding expired events: %w", err)
	}
	for _, g := range groups {
		if err := s.markStale(tx, g); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *Synchronizer) markStale(tx *db.Tx, groupID string) error {
	res, err := tx.Exec(`
	INSERT INTO _membership_groups (group_id, stale) VALUES (?, 1)
	ON CONFLICT (group_id) DO UPDATE SET stale = 1 WHERE stale = 0`, groupID)
	if err != nil {
		return fmt.Errorf("membership: error marking %s stale: %w", groupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	s.log.Warnf("membership of group %s is stale", groupID)
	if s.hook != nil {
		if err := s.hook.MembershipStale(tx, groupID, true); err != nil {
			return err
		}
	}
	tx.AfterCommit(func() { s.sink.Emit(events.Event{Kind: events.MembershipStale, GroupID: groupID}) })
	return nil
}

// refresh clears the stale flag once the group has no buffered or evicted events left.
func (s *Synchronizer) refresh(tx *db.Tx, groupID string) error {
	var waiting int
	if err := tx.Get(&waiting, "SELECT COUNT(*) FROM _membership_events WHERE group_id = ? AND state != ?", groupID, stateApplied); err != nil {
		return fmt.Errorf("membership: error counting buffered events: %w", err)
	}
	if waiting > 0 {
		return nil
	}
	res, err := tx.Exec("UPDATE _membership_groups SET stale = 0 WHERE group_id = ? AND stale = 1", groupID)
	if err != nil {
		return fmt.Errorf("membership: error clearing stale flag of %s: %w", groupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	s.log.Infof("membership of group %s caught up", groupID)
	if s.hook != nil {
		return s.hook.MembershipStale(tx, groupID, false)
	}
	return nil
}

func (s *Synchronizer) Stale(tx *db.Tx, groupID string) (bool, error) {
	var stale bool
	err := tx.Get(&stale, "SELECT stale FROM _membership_groups WHERE group_id = ?", groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership: error reading %s: %w", groupID, err)
	}
	return stale, nil
}

func (s *Synchronizer) publish(tx *db.Tx, groupID string) error {
	if s.hook == nil {
		return nil
	}
	st, err := s.State(tx, groupID)
	if err != nil {
		return err
	}
	return s.hook.MembershipChanged(tx, groupID, st.Members, st.Name)
}

type graph struct {
	events    map[ids.Digest]*row
	deps      map[ids.Digest][]ids.Digest
	ancestors map[ids.Digest]map[ids.Digest]bool
}

func (s *Synchronizer) load(tx *db.Tx, groupID string) (*graph, error) {
	var rows []*row
	if err := tx.Select(&rows, `
	SELECT id, group_id, actor, kind, member, name, ts, hint, state, received_at
	FROM _membership_events WHERE group_id = ? AND state = ?`, groupID, stateApplied); err != nil {
		return nil, fmt.Errorf("membership: error loading events: %w", err)
	}
	g := &graph{
		events:    make(map[ids.Digest]*row, len(rows)),
		deps:      make(map[ids.Digest][]ids.Digest, len(rows)),
		ancestors: make(map[ids.Digest]map[ids.Digest]bool, len(rows)),
	}
	for _, r := range rows {
		d, err := ids.DigestFromBytes(r.ID)
		if err != nil {
			return nil, err
		}
		g.events[d] = r
	}
	var edges []struct {
		ID  []byte `db:"id"`
		Dep []byte `db:"dep"`
	}
	if err := tx.Select(&edges, `
	SELECT d.id, d.dep FROM _membership_deps d
	JOIN _membership_events e ON e.id = d.id
	WHERE e.group_id = ? AND e.state = ?`, groupID, stateApplied); err != nil {
		return nil, fmt.Errorf("membership: error loading dependencies: %w", err)
	}
	for _, e := range edges {
		id, err := ids.DigestFromBytes(e.ID)
		if err != nil {
			return nil, err
		}
		dep, err := ids.DigestFromBytes(e.Dep)
		if err != nil {
			return nil, err
		}
		g.deps[id] = append(g.deps[id], dep)
	}
	return g, nil
}

func (g *graph) ancestorsOf(id ids.Digest) map[ids.Digest]bool {
	if a, ok := g.ancestors[id]; ok {
		return a
	}
	a := make(map[ids.Digest]bool)
	g.ancestors[id] = a
	for _, dep := range g.deps[id] {
		a[dep] = true
		for anc := range g.ancestorsOf(dep) {
			a[anc] = true
		}
	}
	return a
}

// frontier keeps the events of set that are not an ancestor of another event in set.
func (g *graph) frontier(set []ids.Digest) []ids.Digest {
	var out []ids.Digest
	for _, e := range set {
		dominated := false
		for _, f := range set {
			if e != f && g.ancestorsOf(f)[e] {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, ids.CompareDigests)
	return out
}

type State struct {
	Members []string
	Name    string
}

// State folds the applied events of a group. A member is present when the latest events about it
// contain an add and no remove, so a remove wins over a concurrent add. Of concurrent renames the
// one with the larger event id wins.
func (s *Synchronizer) State(tx *db.Tx, groupID string) (*State, error) {
	g, err := s.load(tx, groupID)
	if err != nil {
		return nil, err
	}
	byMember := make(map[string][]ids.Digest)
	var renames []ids.Digest
	for id, r := range g.events {
		switch r.Kind {
		case Add, Remove:
			byMember[r.Member] = append(byMember[r.Member], id)
		case Rename:
			renames = append(renames, id)
		}
	}

	st := &State{Members: []string{}}
	for member, evs := range byMember {
		present := false
		for _, id := range g.frontier(evs) {
			if g.events[id].Kind == Remove {
				present = false
				break
			}
			present = true
		}
		if present {
			st.Members = append(st.Members, member)
		}
	}
	sort.Strings(st.Members)
	if f := g.frontier(renames); len(f) > 0 {
		st.Name = g.events[f[len(f)-1]].Name
	}
	return st, nil
}

// Members returns the current member addresses of a group, sorted.
func (s *Synchronizer) Members(tx *db.Tx, groupID string) ([]string, error) {
	st, err := s.State(tx, groupID)
	if err != nil {
		return nil, err
	}
	return st.Members, nil
}

// Heads returns the applied events no other applied event depends on.
func (s *Synchronizer) Heads(tx *db.Tx, groupID string) ([]ids.Digest, error) {
	g, err := s.load(tx, groupID)
	if err != nil {
		return nil, err
	}
	return g.frontier(maps.Keys(g.events)), nil
}

// NewEvent creates a local event depending on the current heads and applies it.
func (s *Synchronizer) NewEvent(tx *db.Tx, groupID, actor string, kind Kind, member, name string) (*Event, error) {
	heads, err := s.Heads(tx, groupID)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		GroupID:   groupID,
		Actor:     actor,
		Kind:      kind,
		Member:    member,
		Name:      name,
		Deps:      heads,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	res, err := s.Apply(tx, ev)
	if err != nil {
		return nil, err
	}
	if res.Buffered {
		return nil, fmt.Errorf("membership: local event for %s was not applicable", groupID)
	}
	return ev, nil
}

// History returns every applied event of a group, for sending to new members.
func (s *Synchronizer) History(tx *db.Tx, groupID string) ([]*Event, error) {
	g, err := s.load(tx, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(g.events))
	for id, r := range g.events {
		out = append(out, &Event{
			GroupID:   r.GroupID,
			Actor:     r.Actor,
			Kind:      r.Kind,
			Member:    r.Member,
			Name:      r.Name,
			Deps:      append([]ids.Digest{}, g.deps[id]...),
			Timestamp: r.Timestamp,
		})
	}
	// an ancestor always has strictly fewer ancestors than its descendants
	rank := make(map[*Event]int, len(out))
	idOf := make(map[*Event]ids.Digest, len(out))
	for _, e := range out {
		id, err := e.ID()
		if err != nil {
			return nil, err
		}
		idOf[e] = id
		rank[e] = len(g.ancestorsOf(id))
	}
	slices.SortFunc(out, func(a, b *Event) int {
		if rank[a] != rank[b] {
			return rank[a] - rank[b]
		}
		return ids.CompareDigests(idOf[a], idOf[b])
	})
	return out, nil
}
