package memtrack

// FunctionID names an interned (module, function) pair. IDs are dense,
// assigned in registration order, and never recycled, so embedders can
// cache them for the lifetime of a Tracker. ID 0 is reserved for events
// that arrive with a function the registry has never seen.
type FunctionID uint32

// Frame is one call stack entry: a function plus the line currently
// executing inside it.
type Frame struct {
	Function FunctionID
	Line     uint16
}

type funcKey struct {
	module   string
	function string
}

// funcTable interns (module, function) pairs. All access happens under
// the Tracker mutex; the table only ever grows.
type funcTable struct {
	byName map[funcKey]FunctionID
	names  []funcKey
}

const unknownFunction FunctionID = 0

func newFuncTable() *funcTable {
	ft := &funcTable{byName: make(map[funcKey]FunctionID)}
	// Reserve ID 0 so damaged or out-of-range function references
	// still resolve to a printable frame.
	ft.intern("<unknown>", "<unknown>")
	return ft
}

func (ft *funcTable) intern(module, function string) FunctionID {
	k := funcKey{module: module, function: function}
	if id, ok := ft.byName[k]; ok {
		return id
	}
	id := FunctionID(len(ft.names))
	ft.names = append(ft.names, k)
	ft.byName[k] = id
	return id
}

func (ft *funcTable) valid(id FunctionID) bool {
	return int(id) < len(ft.names)
}

func (ft *funcTable) name(id FunctionID) funcKey {
	if !ft.valid(id) {
		return ft.names[unknownFunction]
	}
	return ft.names[id]
}

func (ft *funcTable) len() int {
	return len(ft.names)
}
