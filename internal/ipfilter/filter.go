// Package ipfilter implements the range-indexed IP access table consulted
// before connecting to peers and announcing to trackers.
package ipfilter

import (
	"container/heap"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// table is a sorted list of pairwise disjoint ranges of one address family.
// Touching ranges never share an access class.
type table []Range

// snapshot is an immutable view of both tables. It is never modified after
// being published.
type snapshot struct {
	v4 table
	v6 table
}

func (s *snapshot) family(addr netip.Addr) table {
	if addr.Is4() {
		return s.v4
	}
	return s.v6
}

// Filter is the session-wide IP access table.
// Uses copy-on-write snapshots for lock-free reads: writers are serialized
// and publish a fully built table with a single atomic store, so readers
// observe either the old table or the new one, never a partial update.
type Filter struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // Serializes writes
}

// New creates an empty filter. Every address is Allowed.
func New() *Filter {
	f := &Filter{}
	f.current.Store(&snapshot{})
	return f
}

var emptySnapshot = &snapshot{}

// load returns the published snapshot. A nil or zero Filter reads as empty.
func (f *Filter) load() *snapshot {
	if f == nil {
		return emptySnapshot
	}
	if s := f.current.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// AddRule assigns access to every address in [first, last].
//
// Overlapping parts of existing rules are overridden, parts outside the
// interval keep their class, and touching ranges of the same class are
// merged. Both bounds must be valid addresses of the same family with
// first <= last; otherwise the filter is left unchanged and an error is
// returned.
func (f *Filter) AddRule(first, last netip.Addr, access Access) error {
	return f.AddRange(Range{First: first, Last: last, Access: access})
}

// AddRange is AddRule for a Range value.
func (f *Filter) AddRange(r Range) error {
	r, err := r.validate()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.load()
	next := &snapshot{v4: old.v4, v6: old.v6}
	if r.First.Is4() {
		next.v4 = old.v4.insert(r)
	} else {
		next.v6 = old.v6.insert(r)
	}
	f.current.Store(next)
	return nil
}

// AddRanges applies rules in order as one mutation: the result equals
// calling AddRange for each rule, but readers only ever see the table
// before or after the whole batch. If any rule is invalid nothing is added.
func (f *Filter) AddRanges(rules []Range) error {
	v4, v6, err := splitFamilies(rules)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.load()
	f.current.Store(&snapshot{
		v4: old.v4.merge(v4),
		v6: old.v6.merge(v6),
	})
	return nil
}

// AddPrefix assigns access to every address in the CIDR prefix.
func (f *Filter) AddPrefix(p netip.Prefix, access Access) error {
	if !p.IsValid() {
		return ErrInvalidAddress
	}
	return f.AddRange(prefixRange(p, access))
}

// Access returns the class of addr. Addresses not covered by any rule, and
// invalid addresses, are Allowed.
func (f *Filter) Access(addr netip.Addr) Access {
	if !addr.IsValid() {
		return Allowed
	}
	addr = normalize(addr)
	return f.load().family(addr).lookup(addr)
}

// Allowed reports whether addr may pass through the filter.
func (f *Filter) Allowed(addr netip.Addr) bool {
	return f.Access(addr) == Allowed
}

// Blocked reports whether addr is denied by the filter.
func (f *Filter) Blocked(addr netip.Addr) bool {
	return f.Access(addr) == Blocked
}

// ExportRules returns all rules, IPv4 ranges first, each family sorted by
// first address. The returned slice is owned by the caller.
func (f *Filter) ExportRules() []Range {
	s := f.load()
	out := make([]Range, 0, len(s.v4)+len(s.v6))
	out = append(out, s.v4...)
	return append(out, s.v6...)
}

// Export returns copies of the IPv4 and IPv6 tables.
func (f *Filter) Export() (v4, v6 []Range) {
	s := f.load()
	return slices.Clone(s.v4), slices.Clone(s.v6)
}

// Replace discards all rules and installs rules in order. If any rule is
// invalid the filter is left unchanged.
func (f *Filter) Replace(rules []Range) error {
	v4, v6, err := splitFamilies(rules)
	if err != nil {
		return err
	}
	next := &snapshot{
		v4: table(nil).merge(v4),
		v6: table(nil).merge(v6),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.current.Store(next)
	return nil
}

// splitFamilies validates rules and splits them by family, keeping order.
func splitFamilies(rules []Range) (v4, v6 []Range, err error) {
	for _, r := range rules {
		r, err := r.validate()
		if err != nil {
			return nil, nil, err
		}
		if r.First.Is4() {
			v4 = append(v4, r)
		} else {
			v6 = append(v6, r)
		}
	}
	return v4, v6, nil
}

// Clear removes all rules.
func (f *Filter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current.Store(&snapshot{})
}

// Clone returns an independent filter with the same rules.
func (f *Filter) Clone() *Filter {
	c := &Filter{}
	// snapshots are immutable, so sharing one is safe
	c.current.Store(f.load())
	return c
}

// RuleCount returns the number of stored ranges across both families.
func (f *Filter) RuleCount() int {
	s := f.load()
	return len(s.v4) + len(s.v6)
}

// RuleCountByFamily returns the number of stored ranges per family.
func (f *Filter) RuleCountByFamily() (v4, v6 int) {
	s := f.load()
	return len(s.v4), len(s.v6)
}

// lookup binary searches for the range containing addr.
func (t table) lookup(addr netip.Addr) Access {
	i := sort.Search(len(t), func(i int) bool {
		return t[i].Last.Compare(addr) >= 0
	})
	if i < len(t) && t[i].First.Compare(addr) <= 0 {
		return t[i].Access
	}
	return Allowed
}

// insert returns a new table with r applied. The receiver is not modified.
func (t table) insert(r Range) table {
	out := make(table, len(t), len(t)+2)
	copy(out, t)
	return out.apply(r)
}

// apply writes r into t in place and returns the resulting table.
func (t table) apply(r Range) table {
	// t[lo:hi] are the ranges overlapping r
	lo := sort.Search(len(t), func(i int) bool {
		return t[i].Last.Compare(r.First) >= 0
	})
	hi := sort.Search(len(t), func(i int) bool {
		return t[i].First.Compare(r.Last) > 0
	})

	repl := make([]Range, 0, 3)
	if lo < hi && t[lo].First.Compare(r.First) < 0 {
		left := t[lo]
		left.Last = r.First.Prev()
		repl = append(repl, left)
	}
	repl = append(repl, r)
	if lo < hi && t[hi-1].Last.Compare(r.Last) > 0 {
		right := t[hi-1]
		right.First = r.Last.Next()
		repl = append(repl, right)
	}
	t = slices.Replace(t, lo, hi, repl...)

	// only the neighbours of the edited span can have become mergeable
	from := max(lo-1, 0)
	to := min(lo+len(repl)+1, len(t))
	window := slices.Clone(t[from:to]).coalesce()
	return slices.Replace(t, from, to, window...)
}

// merge returns a new table with rules applied in order on top of t.
// The receiver is not modified.
func (t table) merge(rules []Range) table {
	switch {
	case len(rules) == 0:
		return t
	case len(rules) == 1:
		return t.insert(rules[0])
	case len(t) == 0 && sortedDisjoint(rules):
		out := make(table, 0, len(rules))
		for _, r := range rules {
			out = out.push(r)
		}
		return out
	}
	return t.sweep(rules)
}

func sortedDisjoint(rules []Range) bool {
	for i := 1; i < len(rules); i++ {
		if rules[i-1].Last.Compare(rules[i].First) >= 0 {
			return false
		}
	}
	return true
}

// ranked is a range with its position in the write order. Existing
// ranges rank 0; later rules rank higher and win where they overlap.
type ranked struct {
	Range
	rank int
}

// byRank is a max-heap of ranked ranges.
type byRank []ranked

func (h byRank) Len() int           { return len(h) }
func (h byRank) Less(i, j int) bool { return h[i].rank > h[j].rank }
func (h byRank) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *byRank) Push(x any)        { *h = append(*h, x.(ranked)) }
func (h *byRank) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// sweep rebuilds the table from t and rules in one pass over the sorted
// range boundaries. Between two consecutive boundaries the set of covering
// ranges is constant, so each segment takes the class of its highest
// ranked cover.
func (t table) sweep(rules []Range) table {
	items := make([]ranked, 0, len(t)+len(rules))
	for _, r := range t {
		items = append(items, ranked{Range: r})
	}
	for i, r := range rules {
		items = append(items, ranked{Range: r, rank: i + 1})
	}
	slices.SortFunc(items, func(a, b ranked) int {
		return a.First.Compare(b.First)
	})

	bounds := make([]netip.Addr, 0, 2*len(items))
	for _, it := range items {
		bounds = append(bounds, it.First)
		if next := it.Last.Next(); next.IsValid() {
			bounds = append(bounds, next)
		}
	}
	slices.SortFunc(bounds, netip.Addr.Compare)
	bounds = slices.Compact(bounds)

	out := make(table, 0, len(t)+len(rules))
	active := make(byRank, 0, 16)
	j := 0
	for k, b := range bounds {
		for ; j < len(items) && items[j].First == b; j++ {
			heap.Push(&active, items[j])
		}
		for len(active) > 0 && active[0].Last.Compare(b) < 0 {
			heap.Pop(&active)
		}
		if len(active) == 0 {
			continue
		}

		// every active range reaches the next boundary, or the end of the
		// address space when there is none
		seg := Range{First: b, Last: active[0].Last, Access: active[0].Access}
		if k+1 < len(bounds) {
			seg.Last = bounds[k+1].Prev()
		}
		out = out.push(seg)
	}
	return out
}

// push appends r, extending the last range instead when they touch and
// share a class. r must start after the last range ends.
func (t table) push(r Range) table {
	if n := len(t); n > 0 && t[n-1].Access == r.Access && t[n-1].Last.Next() == r.First {
		t[n-1].Last = r.Last
		return t
	}
	return append(t, r)
}

// coalesce merges neighbouring ranges of the same class that touch. It
// works in place.
func (t table) coalesce() table {
	if len(t) < 2 {
		return t
	}
	n := 0
	for _, cur := range t[1:] {
		prev := &t[n]
		if prev.Access == cur.Access && prev.Last.Next() == cur.First {
			prev.Last = cur.Last
			continue
		}
		n++
		t[n] = cur
	}
	return t[:n+1]
}
