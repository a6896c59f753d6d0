package routing

// Table capacities. Fixed bounds, no dynamic growth: the embedded original
// sizes these for a handful of children per node.
const (
	MAX_CHILD_TABLE_LEN   = 5
	MAX_ROUTING_TABLE_LEN = 5
)

// ChildTableRow remembers a neighbor that answered the current beacon wave
// and is waiting for the base to assign it an address.
type ChildTableRow struct {
	ChildNonce uint32
	Interface  uint8
	MacAddress uint8
}

// ChildTable is the transient table of pending children. Rows are appended
// on a valid child response and consumed when the base addresses the child.
type ChildTable struct {
	rows []ChildTableRow
}

func NewChildTable() *ChildTable {
	return &ChildTable{rows: make([]ChildTableRow, 0, MAX_CHILD_TABLE_LEN)}
}

// Add appends a row, refusing when the table is full.
func (t *ChildTable) Add(row ChildTableRow) bool {
	if len(t.rows) >= MAX_CHILD_TABLE_LEN {
		return false
	}
	t.rows = append(t.rows, row)
	return true
}

// Find returns the first row carrying the given nonce.
func (t *ChildTable) Find(childNonce uint32) (ChildTableRow, bool) {
	for _, row := range t.rows {
		if row.ChildNonce == childNonce {
			return row, true
		}
	}
	return ChildTableRow{}, false
}

// Remove deletes the first row carrying the given nonce.
func (t *ChildTable) Remove(childNonce uint32) bool {
	for i, row := range t.rows {
		if row.ChildNonce == childNonce {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return true
		}
	}
	return false
}

func (t *ChildTable) Len() int {
	return len(t.rows)
}

// Reset drops every pending child. Used when a new beacon wave starts.
func (t *ChildTable) Reset() {
	t.rows = t.rows[:0]
}

func (t *ChildTable) Rows() []ChildTableRow {
	out := make([]ChildTableRow, len(t.rows))
	copy(out, t.rows)
	return out
}

// RoutingTableRow routes the closed address interval [Address, MaxRoute]
// through the neighbor (Interface, MacAddress).
type RoutingTableRow struct {
	Address    uint8
	MaxRoute   uint8
	Interface  uint8
	MacAddress uint8
}

func (r RoutingTableRow) contains(addr uint8) bool {
	return addr >= r.Address && addr <= r.MaxRoute
}

// RoutingTable holds the tree routes toward child subtrees for the lifetime
// of the active configuration. Intervals of distinct rows stay pairwise
// disjoint; Add refuses any row that would break that.
type RoutingTable struct {
	rows []RoutingTableRow
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{rows: make([]RoutingTableRow, 0, MAX_ROUTING_TABLE_LEN)}
}

// Add inserts a row, refusing overflow and interval overlap.
func (t *RoutingTable) Add(row RoutingTableRow) bool {
	if len(t.rows) >= MAX_ROUTING_TABLE_LEN {
		return false
	}
	if row.MaxRoute < row.Address {
		return false
	}
	for _, existing := range t.rows {
		if row.Address <= existing.MaxRoute && existing.Address <= row.MaxRoute {
			return false
		}
	}
	t.rows = append(t.rows, row)
	return true
}

// Route finds the row whose interval covers the destination address.
// Scan order is not observable because intervals are disjoint.
func (t *RoutingTable) Route(dst uint8) (RoutingTableRow, bool) {
	for _, row := range t.rows {
		if row.contains(dst) {
			return row, true
		}
	}
	return RoutingTableRow{}, false
}

func (t *RoutingTable) Len() int {
	return len(t.rows)
}

// Reset drops every route. Used when a new active configuration cuts over.
func (t *RoutingTable) Reset() {
	t.rows = t.rows[:0]
}

func (t *RoutingTable) Rows() []RoutingTableRow {
	out := make([]RoutingTableRow, len(t.rows))
	copy(out, t.rows)
	return out
}
