// Package term implements the Term[T] DSL and its pure evaluator: a term is
// an immutable description of a computation that yields (Output[T],
// Analysis) when evaluated. Terms are composed applicatively (Map, Pair)
// and monadically (Bind, BindInput); the evaluator never performs I/O
// itself — all I/O lives behind Input handles read through Primitive and
// BindInput.
//
// The public API is the generic Term[T] wrapper; internally, every
// constructor allocates exactly one node value implementing the
// unexported, type-erased node interface. This is the "algebraic enum with
// boxed sub-terms carrying a type-erased value plus a coercion witness per
// constructor" design: the witness is the node's own Go type parameters,
// captured at construction, and the value is erased to `any` only at the
// node interface boundary.
package term

import (
	"fmt"
	"strings"

	"weft/analysis"
	"weft/input"
	"weft/output"
)

// Unit is the term-level analogue of void: a single-valued type used by
// All and Gate's control term.
type Unit struct{}

// TypedHandle is the Input contract a Primitive or BindInput leaf depends
// on: a type-erased Handle (ID, Subscribe, JobID) plus a typed Get. Both
// input.Cell[T] and monitor.Monitor[T] satisfy this.
type TypedHandle[T any] interface {
	input.Handle
	Get() output.Output[T]
}

// erasedOutput is the type-erased carrier passed between node.eval calls.
// Only Ok results carry a payload; Active/Error carry reason/msg.
type erasedOutput struct {
	kind   output.Kind
	value  any
	reason output.ActiveReason
	msg    string
}

func wrapOutput[T any](o output.Output[T]) erasedOutput {
	switch o.Kind() {
	case output.KindOk:
		v, _ := o.Value()
		return erasedOutput{kind: output.KindOk, value: v}
	case output.KindActive:
		r, _ := o.Reason()
		return erasedOutput{kind: output.KindActive, reason: r}
	default:
		m, _ := o.Msg()
		return erasedOutput{kind: output.KindError, msg: m}
	}
}

func unwrapOutput[T any](e erasedOutput) output.Output[T] {
	switch e.kind {
	case output.KindOk:
		return output.Ok(e.value.(T))
	case output.KindActive:
		return output.ActiveWith[T](e.reason)
	default:
		return output.Error[T](e.msg)
	}
}

// passthrough strips the value from an erasedOutput, used when Active/Error
// propagates across a type boundary (e.g. Bind's upstream failing) where
// the payload type changes but the case does not.
func passthrough(e erasedOutput) erasedOutput {
	return erasedOutput{kind: e.kind, reason: e.reason, msg: e.msg}
}

func stateFor(e erasedOutput) analysis.NodeState {
	switch e.kind {
	case output.KindOk:
		return analysis.StateReadyOk
	case output.KindError:
		return analysis.StateReadyErr
	default:
		if e.reason == output.ReadyToRerun {
			return analysis.StateActiveReadyToRerun
		}
		return analysis.StateActiveRunning
	}
}

// evalCtx accumulates the Analysis graph and the set of input dependencies
// discovered during one evaluation pass.
type evalCtx struct {
	nodes []analysis.Node
	edges []analysis.Edge
	deps  map[input.ID]input.Handle
}

func newEvalCtx() *evalCtx {
	return &evalCtx{deps: make(map[input.ID]input.Handle)}
}

func (ev *evalCtx) addNode(n analysis.Node) { ev.nodes = append(ev.nodes, n) }

func (ev *evalCtx) addEdge(from, to analysis.NodeID, static bool) {
	ev.edges = append(ev.edges, analysis.Edge{From: from, To: to, Static: static})
}

func (ev *evalCtx) addDep(h input.Handle) { ev.deps[h.ID()] = h }

// node is the internal, type-erased representation one term constructor
// allocates. path is this node's position in the term tree and doubles as
// its deterministic analysis.NodeID: for unchanged structure, repeated
// evaluations allocate identical ids without needing mutable global state.
type node interface {
	eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID)
}

// Term is the public, type-safe handle over an erased node.
type Term[T any] struct {
	n node
}

// Evaluate runs one full evaluation pass over t: it walks the term tree,
// reads current Input values (accumulating which ones were depended on),
// and returns the resulting Output, the Analysis describing how it was
// produced, and the set of Input handles the engine should subscribe a
// refresh to before its next tick.
func Evaluate[T any](t Term[T]) (output.Output[T], analysis.Analysis, []input.Handle) {
	ev := newEvalCtx()
	erased, rootID := t.n.eval(ev, "root")
	deps := make([]input.Handle, 0, len(ev.deps))
	for _, h := range ev.deps {
		deps = append(deps, h)
	}
	a := analysis.Analysis{Nodes: ev.nodes, Edges: ev.edges, Root: rootID}
	return unwrapOutput[T](erased), a, deps
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// --- Return ---

type returnNode[T any] struct {
	value T
	label string
}

func (n *returnNode[T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	id := analysis.NodeID(path)
	ev.addNode(analysis.Node{ID: id, Label: n.label, Kind: analysis.KindConstant, State: analysis.StateReadyOk})
	return erasedOutput{kind: output.KindOk, value: n.value}, id
}

// Return constructs a term that always evaluates to Ok(v). If label is
// empty, the value's default formatting is used as the analysis label.
func Return[T any](v T, label string) Term[T] {
	if label == "" {
		label = fmt.Sprintf("%v", v)
	}
	return Term[T]{n: &returnNode[T]{value: v, label: label}}
}

// --- Fail ---

type failNode struct {
	msg string
}

func (n *failNode) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	id := analysis.NodeID(path)
	ev.addNode(analysis.Node{ID: id, Label: n.msg, Kind: analysis.KindFailed, State: analysis.StateReadyErr})
	return erasedOutput{kind: output.KindError, msg: n.msg}, id
}

// Fail constructs a term that always evaluates to Error(msg).
func Fail[T any](msg string) Term[T] {
	return Term[T]{n: &failNode{msg: msg}}
}

// --- Active ---

type activeNode struct {
	reason output.ActiveReason
}

func (n *activeNode) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	id := analysis.NodeID(path)
	st := analysis.StateActiveRunning
	if n.reason == output.ReadyToRerun {
		st = analysis.StateActiveReadyToRerun
	}
	ev.addNode(analysis.Node{ID: id, Label: n.reason.String(), Kind: analysis.KindActive, State: st})
	return erasedOutput{kind: output.KindActive, reason: n.reason}, id
}

// Active constructs a term that always evaluates to Active(reason).
func Active[T any](reason output.ActiveReason) Term[T] {
	return Term[T]{n: &activeNode{reason: reason}}
}

// --- Map ---

type mapNode[T, U any] struct {
	child node
	f     func(T) U
	label string
}

func (n *mapNode[T, U]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	childOut, childID := n.child.eval(ev, path+"/0")
	id := analysis.NodeID(path)

	var result erasedOutput
	if childOut.kind == output.KindOk {
		result = erasedOutput{kind: output.KindOk, value: n.f(childOut.value.(T))}
	} else {
		result = passthrough(childOut)
	}

	ev.addNode(analysis.Node{ID: id, Label: n.label, Kind: analysis.KindMap, State: stateFor(result)})
	ev.addEdge(id, childID, true)
	return result, id
}

// Map transforms a Term[T] into a Term[U] with f, preserving Active/Error
// without invoking f.
func Map[T, U any](t Term[T], f func(T) U, label string) Term[U] {
	return Term[U]{n: &mapNode[T, U]{child: t.n, f: f, label: label}}
}

// --- Pair ---

// Pair2 is the product type produced by Pair.
type Pair2[A, B any] struct {
	First  A
	Second B
}

type pairNode[A, B any] struct {
	a, b node
}

func (n *pairNode[A, B]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	aOut, aID := n.a.eval(ev, path+"/0")
	bOut, bID := n.b.eval(ev, path+"/1")
	id := analysis.NodeID(path)

	var result erasedOutput
	switch {
	case aOut.kind == output.KindOk && bOut.kind == output.KindOk:
		result = erasedOutput{kind: output.KindOk, value: Pair2[A, B]{First: aOut.value.(A), Second: bOut.value.(B)}}
	case aOut.kind == output.KindError:
		result = passthrough(aOut)
	case bOut.kind == output.KindError:
		result = passthrough(bOut)
	default:
		reason := output.Running
		if aOut.kind == output.KindActive {
			reason = aOut.reason
		} else if bOut.kind == output.KindActive {
			reason = bOut.reason
		}
		result = erasedOutput{kind: output.KindActive, reason: reason}
	}

	ev.addNode(analysis.Node{ID: id, Label: "pair", Kind: analysis.KindPair, State: stateFor(result)})
	ev.addEdge(id, aID, true)
	ev.addEdge(id, bID, true)
	return result, id
}

// Pair evaluates a and b (left-to-right) and combines them: Ok iff both Ok,
// otherwise the first Error wins, otherwise Active.
func Pair[A, B any](a Term[A], b Term[B]) Term[Pair2[A, B]] {
	return Term[Pair2[A, B]]{n: &pairNode[A, B]{a: a.n, b: b.n}}
}

// --- Bind ---

type bindNode[U, T any] struct {
	x    node
	f    func(U) Term[T]
	desc string
}

func (n *bindNode[U, T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	xOut, xID := n.x.eval(ev, path+"/x")
	id := analysis.NodeID(path)

	if xOut.kind != output.KindOk {
		ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindBind, State: analysis.StateBlocked})
		ev.addEdge(id, xID, true)
		return passthrough(xOut), id
	}

	inner := n.f(xOut.value.(U))
	yOut, yID := inner.n.eval(ev, path+"/y")

	ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindBind, State: stateFor(yOut)})
	ev.addEdge(id, xID, true)
	ev.addEdge(id, yID, false)
	return yOut, id
}

// Bind evaluates x; if Ok, evaluates f(v) and adopts its result. If x is
// Active/Error, f is not called and the node shows desc with Blocked
// state. The edge to x is always static; the edge to f(v)'s result only
// appears once x resolves, since f's term structure is hidden until then.
func Bind[U, T any](x Term[U], f func(U) Term[T], desc string) Term[T] {
	return Term[T]{n: &bindNode[U, T]{x: x.n, f: f, desc: desc}}
}

// --- BindInput ---

type bindInputNode[U, T any] struct {
	x    node
	f    func(U) TypedHandle[T]
	desc string
}

func (n *bindInputNode[U, T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	xOut, xID := n.x.eval(ev, path+"/x")
	id := analysis.NodeID(path)

	if xOut.kind != output.KindOk {
		ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindBindInput, State: analysis.StateBlocked})
		ev.addEdge(id, xID, true)
		return passthrough(xOut), id
	}

	handle := n.f(xOut.value.(U))
	ev.addDep(handle)
	out := wrapOutput(handle.Get())
	jobID, hasJob := handle.JobID()

	inputID := analysis.NodeID(path + "/input")
	ev.addNode(analysis.Node{ID: inputID, Label: string(handle.ID()), Kind: analysis.KindPrimitive, State: stateFor(out), JobID: jobID, HasJobID: hasJob})
	ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindBindInput, State: stateFor(out)})
	ev.addEdge(id, xID, true)
	ev.addEdge(id, inputID, false)
	return out, id
}

// BindInput evaluates x; if Ok, calls f(v) to obtain an Input, reads it
// through the evaluation environment, and registers it as a dependency.
func BindInput[U, T any](x Term[U], f func(U) TypedHandle[T], desc string) Term[T] {
	return Term[T]{n: &bindInputNode[U, T]{x: x.n, f: f, desc: desc}}
}

// --- Primitive ---

type primitiveNode[T any] struct {
	h    TypedHandle[T]
	desc string
}

func (n *primitiveNode[T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	id := analysis.NodeID(path)
	out := wrapOutput(n.h.Get())
	ev.addDep(n.h)
	jobID, hasJob := n.h.JobID()
	ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindPrimitive, State: stateFor(out), JobID: jobID, HasJobID: hasJob})
	return out, id
}

// Primitive reads h directly and registers it as a dependency.
func Primitive[T any](h TypedHandle[T], desc string) Term[T] {
	return Term[T]{n: &primitiveNode[T]{h: h, desc: desc}}
}

// --- State ---

type stateNode[T any] struct {
	child node
}

func (n *stateNode[T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	childOut, childID := n.child.eval(ev, path+"/0")
	id := analysis.NodeID(path)
	val := unwrapOutput[T](childOut)
	ev.addNode(analysis.Node{ID: id, Label: "state", Kind: analysis.KindState, State: analysis.StateReadyOk})
	ev.addEdge(id, childID, true)
	return erasedOutput{kind: output.KindOk, value: val}, id
}

// State wraps t into an always-Ok term carrying t's current status as its
// value, so downstream terms can branch on Active/Error without failing
// themselves.
func State[T any](t Term[T]) Term[output.Output[T]] {
	return Term[output.Output[T]]{n: &stateNode[T]{child: t.n}}
}

// --- Catch ---

type catchNode[T any] struct {
	child node
}

func (n *catchNode[T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	childOut, childID := n.child.eval(ev, path+"/0")
	id := analysis.NodeID(path)

	var result erasedOutput
	switch childOut.kind {
	case output.KindOk:
		result = erasedOutput{kind: output.KindOk, value: output.Ok(childOut.value.(T))}
	case output.KindError:
		result = erasedOutput{kind: output.KindOk, value: output.Error[T](childOut.msg)}
	default:
		result = childOut
	}

	ev.addNode(analysis.Node{ID: id, Label: "catch", Kind: analysis.KindCatch, State: stateFor(result)})
	ev.addEdge(id, childID, true)
	return result, id
}

// Catch promotes t's Error into an Ok value, per the Catch law: Ok(Ok v)
// iff t is Ok v, Ok(Error m) iff t is Error m, Active iff t is Active.
func Catch[T any](t Term[T]) Term[output.Output[T]] {
	return Term[output.Output[T]]{n: &catchNode[T]{child: t.n}}
}

// --- Gate ---

type gateNode[T any] struct {
	ctrl node
	x    node
}

func (n *gateNode[T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	ctrlOut, ctrlID := n.ctrl.eval(ev, path+"/ctrl")
	xOut, xID := n.x.eval(ev, path+"/x")
	id := analysis.NodeID(path)

	var result erasedOutput
	var state analysis.NodeState
	if ctrlOut.kind == output.KindOk {
		result = xOut
		state = stateFor(xOut)
	} else {
		result = passthrough(ctrlOut)
		if ctrlOut.kind == output.KindActive {
			state = analysis.StateBlocked
		} else {
			state = analysis.StateReadyErr
		}
	}

	ev.addNode(analysis.Node{ID: id, Label: "gate", Kind: analysis.KindGate, State: state})
	ev.addEdge(id, ctrlID, true)
	ev.addEdge(id, xID, true)
	return result, id
}

// Gate evaluates both ctrl and x for analysis completeness, but adopts x's
// result only once ctrl is Ok; otherwise it inherits ctrl's Active/Error.
func Gate[T any](ctrl Term[Unit], x Term[T]) Term[T] {
	return Term[T]{n: &gateNode[T]{ctrl: ctrl.n, x: x.n}}
}

// --- All ---

type allNode struct {
	items []node
}

func (n *allNode) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	var errMsgs []string
	activeSeen := false
	var activeReason output.ActiveReason
	ids := make([]analysis.NodeID, len(n.items))

	for i, it := range n.items {
		out, cid := it.eval(ev, fmt.Sprintf("%s/%d", path, i))
		ids[i] = cid
		switch out.kind {
		case output.KindError:
			errMsgs = append(errMsgs, out.msg)
		case output.KindActive:
			activeSeen = true
			activeReason = out.reason
		}
	}

	var result erasedOutput
	switch {
	case len(errMsgs) > 0:
		result = erasedOutput{kind: output.KindError, msg: strings.Join(firstN(errMsgs, 3), "; ")}
	case activeSeen:
		result = erasedOutput{kind: output.KindActive, reason: activeReason}
	default:
		result = erasedOutput{kind: output.KindOk, value: Unit{}}
	}

	id := analysis.NodeID(path)
	ev.addNode(analysis.Node{ID: id, Label: "all", Kind: analysis.KindAll, State: stateFor(result)})
	for _, cid := range ids {
		ev.addEdge(id, cid, true)
	}
	return result, id
}

// All succeeds iff every item succeeds; it is Active if any item is Active
// and none failed, otherwise Error concatenating up to the first three
// messages.
func All(items ...Term[Unit]) Term[Unit] {
	nodes := make([]node, len(items))
	for i, it := range items {
		nodes[i] = it.n
	}
	return Term[Unit]{n: &allNode{items: nodes}}
}

// --- ListMap ---

type listMapNode[A, B any] struct {
	xs   node
	pp   func(A) string
	f    func(A) Term[B]
	desc string
}

func (n *listMapNode[A, B]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	xsOut, xsID := n.xs.eval(ev, path+"/xs")
	id := analysis.NodeID(path)

	if xsOut.kind != output.KindOk {
		ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindListMap, State: stateFor(xsOut)})
		ev.addEdge(id, xsID, true)
		return passthrough(xsOut), id
	}

	items := xsOut.value.([]A)
	results := make([]B, 0, len(items))
	var errMsgs []string
	activeSeen := false
	var activeReason output.ActiveReason
	childIDs := make([]analysis.NodeID, 0, len(items))

	for i, item := range items {
		label := n.pp(item)
		wrapped := &componentNode[B]{child: n.f(item).n, label: label}
		childOut, childID := wrapped.eval(ev, fmt.Sprintf("%s/%d", path, i))
		childIDs = append(childIDs, childID)

		switch childOut.kind {
		case output.KindOk:
			results = append(results, childOut.value.(B))
		case output.KindError:
			errMsgs = append(errMsgs, childOut.msg)
		case output.KindActive:
			activeSeen = true
			activeReason = childOut.reason
		}
	}

	var result erasedOutput
	switch {
	case len(errMsgs) > 0:
		result = erasedOutput{kind: output.KindError, msg: strings.Join(firstN(errMsgs, 3), "; ")}
	case activeSeen:
		result = erasedOutput{kind: output.KindActive, reason: activeReason}
	default:
		result = erasedOutput{kind: output.KindOk, value: results}
	}

	ev.addNode(analysis.Node{ID: id, Label: n.desc, Kind: analysis.KindListMap, State: stateFor(result)})
	ev.addEdge(id, xsID, true)
	for _, cid := range childIDs {
		ev.addEdge(id, cid, false)
	}
	return result, id
}

// ListMap evaluates xs; if Ok, applies f to each element in order,
// labeling each per-item analysis node with pp(element). The output list
// order always matches the input list order.
func ListMap[A, B any](xs Term[[]A], desc string, pp func(A) string, f func(A) Term[B]) Term[[]B] {
	return Term[[]B]{n: &listMapNode[A, B]{xs: xs.n, pp: pp, f: f, desc: desc}}
}

// --- Component ---

type componentNode[T any] struct {
	child node
	label string
}

func (n *componentNode[T]) eval(ev *evalCtx, path string) (erasedOutput, analysis.NodeID) {
	childOut, childID := n.child.eval(ev, path+"/0")
	id := analysis.NodeID(path)
	ev.addNode(analysis.Node{ID: id, Label: n.label, Kind: analysis.KindComponent, State: stateFor(childOut)})
	ev.addEdge(id, childID, true)
	return childOut, id
}

// Component is a pure labeling wrapper: it attaches label to t's analysis
// node without altering its evaluation result. It is the mechanism for
// giving a name to structure that would otherwise be hidden behind a Bind
// until resolution.
func Component[T any](label string, t Term[T]) Term[T] {
	return Term[T]{n: &componentNode[T]{child: t.n, label: label}}
}
