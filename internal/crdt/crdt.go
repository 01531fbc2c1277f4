// Package crdt implements the sequence CRDT backing the shared-text field of
// a collaborative document.
//
// The document is a tree of character nodes. Every operation carries a
// globally unique ID (originating site plus a per-site sequence number), and
// an insert names the ID of the node it was typed after. Siblings under the
// same parent are ordered by descending ID, so the linearized text is a pure
// function of the set of applied operations: replicas that have seen the same
// operations render byte-identical state regardless of delivery order.
//
// Deletes are tombstones. Operations are idempotent; duplicates are dropped.
// Out-of-order delivery is handled by two buffers: per-site sequence gaps wait
// in a pending queue, and inserts whose parent has not arrived wait in an
// orphan buffer keyed by the missing parent.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrEmptyUpdate is returned for updates that decode to zero operations.
var ErrEmptyUpdate = errors.New("crdt: empty update")

// ID uniquely identifies one operation: per-site sequence number plus the
// originating site. The zero ID is the root sentinel.
type ID struct {
	Site string `json:"site"`
	Seq  uint64 `json:"seq"`
}

// IsZero reports whether id is the root sentinel.
func (a ID) IsZero() bool { return a.Seq == 0 && a.Site == "" }

// Greater provides the total order used to place concurrent siblings.
// Higher sequence wins; the site breaks ties.
func (a ID) Greater(b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Site > b.Site
}

// Op is a single insert or delete.
type Op struct {
	ID     ID     `json:"id"`
	Parent ID     `json:"parent,omitempty"` // insert: node this was typed after
	Ch     string `json:"ch,omitempty"`     // insert payload, one rune
	Del    *ID    `json:"del,omitempty"`    // delete target; nil for inserts
}

func (o Op) isDelete() bool { return o.Del != nil }

type update struct {
	Ops []Op `json:"ops"`
}

// ApplyResult reports what an ApplyUpdate call changed.
type ApplyResult struct {
	// Integrated counts newly integrated operations per originating site.
	Integrated map[string]uint64
	// Buffered counts operations retained for later integration (sequence
	// gaps or missing parents).
	Buffered int
}

// Changed reports whether the update carried anything new.
func (r ApplyResult) Changed() bool { return len(r.Integrated) > 0 || r.Buffered > 0 }

type node struct {
	id       ID
	ch       rune
	deleted  bool
	children []*node // ordered by descending ID
}

// Doc is one replica of the shared text.
type Doc struct {
	mu   sync.RWMutex
	site string

	root     *node
	registry map[ID]*node

	allOps  map[ID]Op            // every operation received, integrated or not
	applied map[string]uint64    // highest contiguous integrated seq per site
	pending map[string]map[uint64]Op
	orphans map[ID][]Op

	observers []func(update []byte)
}

// NewDoc creates an empty replica. Locally generated operations are stamped
// with the given site, which must be globally unique per replica instance.
func NewDoc(site string) *Doc {
	return &Doc{
		site:     site,
		root:     &node{},
		registry: make(map[ID]*node),
		allOps:   make(map[ID]Op),
		applied:  make(map[string]uint64),
		pending:  make(map[string]map[uint64]Op),
		orphans:  make(map[ID][]Op),
	}
}

// Observe registers a handler invoked after every ApplyUpdate that changed
// the replica. The handler receives the raw update bytes.
func (d *Doc) Observe(handler func(update []byte)) {
	d.mu.Lock()
	d.observers = append(d.observers, handler)
	d.mu.Unlock()
}

// ApplyUpdate merges an encoded update into the replica.
// Unparseable or empty updates leave the replica untouched.
func (d *Doc) ApplyUpdate(data []byte) (ApplyResult, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return ApplyResult{}, fmt.Errorf("crdt: decode update: %w", err)
	}
	if len(u.Ops) == 0 {
		return ApplyResult{}, ErrEmptyUpdate
	}

	d.mu.Lock()
	res := ApplyResult{Integrated: make(map[string]uint64)}
	for _, op := range u.Ops {
		d.receive(op, &res)
	}
	if len(res.Integrated) == 0 {
		res.Integrated = nil
	}
	observers := d.observers
	d.mu.Unlock()

	if res.Changed() {
		for _, h := range observers {
			h(data)
		}
	}
	return res, nil
}

// receive files one operation: dropped if seen, buffered if early, otherwise
// integrated along with anything the integration unblocks.
func (d *Doc) receive(op Op, res *ApplyResult) {
	if _, seen := d.allOps[op.ID]; seen {
		return
	}
	if op.ID.IsZero() || op.ID.Seq == 0 {
		return
	}
	d.allOps[op.ID] = op

	if op.ID.Seq != d.applied[op.ID.Site]+1 {
		if op.ID.Seq <= d.applied[op.ID.Site] {
			// Already integrated under this seq from a prior update.
			return
		}
		if d.pending[op.ID.Site] == nil {
			d.pending[op.ID.Site] = make(map[uint64]Op)
		}
		d.pending[op.ID.Site][op.ID.Seq] = op
		res.Buffered++
		return
	}

	d.integrate(op, res)
}

// integrate applies op and then drains every buffered operation it unblocks.
func (d *Doc) integrate(op Op, res *ApplyResult) {
	work := []Op{op}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]

		if cur.isDelete() {
			target, ok := d.registry[*cur.Del]
			if !ok {
				d.orphans[*cur.Del] = append(d.orphans[*cur.Del], cur)
				res.Buffered++
				continue
			}
			target.deleted = true
		} else {
			parent := d.root
			if !cur.Parent.IsZero() {
				p, ok := d.registry[cur.Parent]
				if !ok {
					d.orphans[cur.Parent] = append(d.orphans[cur.Parent], cur)
					res.Buffered++
					continue
				}
				parent = p
			}
			n := &node{id: cur.ID, ch: firstRune(cur.Ch)}
			i := sort.Search(len(parent.children), func(i int) bool {
				return !parent.children[i].id.Greater(n.id)
			})
			parent.children = append(parent.children, nil)
			copy(parent.children[i+1:], parent.children[i:])
			parent.children[i] = n
			d.registry[cur.ID] = n

			// Anything that was waiting on this node can go now.
			if waiting, ok := d.orphans[cur.ID]; ok {
				delete(d.orphans, cur.ID)
				work = append(work, waiting...)
			}
		}

		d.applied[cur.ID.Site] = cur.ID.Seq
		res.Integrated[cur.ID.Site]++

		// The next seq from this site may have been parked.
		if q := d.pending[cur.ID.Site]; q != nil {
			if next, ok := q[cur.ID.Seq+1]; ok {
				delete(q, cur.ID.Seq+1)
				work = append(work, next)
			}
		}
	}
}

// EncodeStateAsUpdate encodes the full replica as a delta against the empty
// document. The encoding is deterministic: replicas holding the same
// operation set produce identical bytes.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeOps(nil)
}

// EncodeStateAsUpdateSince encodes a delta sufficient to advance a peer with
// the given encoded state vector to the current state. An unknown or
// malformed state vector is treated as empty, yielding the full state.
func (d *Doc) EncodeStateAsUpdateSince(stateVector []byte) []byte {
	var sv map[string]uint64
	if err := json.Unmarshal(stateVector, &sv); err != nil {
		sv = nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeOps(sv)
}

// encodeOps serializes every held op newer than sv, ordered by site then seq.
// Caller holds at least a read lock.
func (d *Doc) encodeOps(sv map[string]uint64) []byte {
	ops := make([]Op, 0, len(d.allOps))
	for id, op := range d.allOps {
		if id.Seq > sv[id.Site] {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Site != ops[j].ID.Site {
			return ops[i].ID.Site < ops[j].ID.Site
		}
		return ops[i].ID.Seq < ops[j].ID.Seq
	})
	data, _ := json.Marshal(update{Ops: ops})
	return data
}

// EncodeStateVector returns a compact summary of integrated operations per
// originating site.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, _ := json.Marshal(d.applied)
	return data
}

// Text returns the linearized visible text.
func (d *Doc) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var runes []rune
	d.walk(d.root, func(n *node) bool {
		runes = append(runes, n.ch)
		return true
	})
	return string(runes)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	d.walk(d.root, func(*node) bool {
		count++
		return true
	})
	return count
}

// walk runs a depth-first traversal over visible nodes in document order.
// visit returning false stops the walk.
func (d *Doc) walk(n *node, visit func(*node) bool) bool {
	for _, child := range n.children {
		if !child.deleted {
			if !visit(child) {
				return false
			}
		}
		if !d.walk(child, visit) {
			return false
		}
	}
	return true
}

// visibleAt returns the visible node at index pos (0-based), or nil.
func (d *Doc) visibleAt(pos int) *node {
	var found *node
	i := 0
	d.walk(d.root, func(n *node) bool {
		if i == pos {
			found = n
			return false
		}
		i++
		return true
	})
	return found
}

// InsertText generates insert operations for text at the visible rune
// position pos, applies them locally, and returns the encoded update for
// peers. pos is clamped to the document length.
func (d *Doc) InsertText(pos int, text string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := ID{}
	if pos > 0 {
		if n := d.visibleAt(pos - 1); n != nil {
			parent = n.id
		} else if last := d.lastVisible(); last != nil {
			parent = last.id
		}
	}

	var ops []Op
	res := ApplyResult{Integrated: make(map[string]uint64)}
	for _, r := range text {
		op := Op{
			ID:     ID{Site: d.site, Seq: d.applied[d.site] + 1},
			Parent: parent,
			Ch:     string(r),
		}
		d.receive(op, &res)
		ops = append(ops, op)
		parent = op.ID
	}
	data, _ := json.Marshal(update{Ops: ops})
	return data
}

// DeleteText tombstones n visible runes starting at pos and returns the
// encoded update for peers.
func (d *Doc) DeleteText(pos, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Resolve targets before tombstoning so positions stay stable.
	var targets []ID
	i := 0
	d.walk(d.root, func(nd *node) bool {
		if i >= pos && i < pos+n {
			targets = append(targets, nd.id)
		}
		i++
		return i < pos+n
	})

	var ops []Op
	res := ApplyResult{Integrated: make(map[string]uint64)}
	for _, t := range targets {
		t := t
		op := Op{
			ID:  ID{Site: d.site, Seq: d.applied[d.site] + 1},
			Del: &t,
		}
		d.receive(op, &res)
		ops = append(ops, op)
	}
	data, _ := json.Marshal(update{Ops: ops})
	return data
}

func (d *Doc) lastVisible() *node {
	var last *node
	d.walk(d.root, func(n *node) bool {
		last = n
		return true
	})
	return last
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
