// Package termination is the compile-time truth table mapping each
// obligation-creating receipt type to the set of receipt types that
// legally discharge it. It is pure, no I/O: termination is type semantics,
// composed by the ledger with dynamic evidence (does a terminating receipt
// actually exist), never inferred by scanning.
package termination

// Type identifies a receipt type in the ledger's protocol vocabulary. It is
// bit-exact with the wire vocabulary — facades and tests must use these
// constants rather than string literals.
type Type string

const (
	TaskAssigned             Type = "task.assigned"
	TaskProgress             Type = "task.progress"
	TaskStarted              Type = "task.started"
	TaskCompleted            Type = "task.completed"
	TaskFailed               Type = "task.failed"
	TaskCanceled             Type = "task.canceled"
	TaskResultReady          Type = "task.result_ready"
	LeaseExpired             Type = "lease.expired"
	ReceiptAcknowledged      Type = "receipt.acknowledged"
	SystemAnomaly            Type = "system.anomaly"
	SystemAnomalyLocatabilityMissing Type = "system.anomaly.locatability_missing"
)

// terminates is the static table: TERMINATES : receipt_type -> set<receipt_type>.
// Rows not present here map to the empty set (no receipt type may terminate
// against that parent type).
var terminates = map[Type]map[Type]bool{
	TaskAssigned: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCanceled:  true,
	},
	TaskProgress:        {},
	TaskStarted:         {},
	LeaseExpired:        {},
	ReceiptAcknowledged: {},
	SystemAnomaly:       {},
	SystemAnomalyLocatabilityMissing: {},
}

// obligationTypes and terminalTypes are derived once at init, per spec §4.1:
// ObligationTypes = { t : TERMINATES(t) != empty };
// TerminalTypes = union of range(TERMINATES).
var (
	obligationTypes = map[Type]bool{}
	terminalTypes   = map[Type]bool{}
)

func init() {
	for parent, children := range terminates {
		if len(children) > 0 {
			obligationTypes[parent] = true
		}
		for child := range children {
			terminalTypes[child] = true
		}
	}
}

// IsObligationType reports whether a receipt of type t creates an
// obligation, i.e. whether some receipt type can legally terminate it.
func IsObligationType(t Type) bool {
	return obligationTypes[t]
}

// IsTerminalType reports whether a receipt of type t can terminate some
// obligation-creating receipt.
func IsTerminalType(t Type) bool {
	return terminalTypes[t]
}

// CanTerminate reports whether a receipt of childType can legally
// discharge a receipt of parentType.
func CanTerminate(childType, parentType Type) bool {
	children, ok := terminates[parentType]
	if !ok {
		return false
	}
	return children[childType]
}

// TerminalTypesFor returns the set of receipt types that can legally
// terminate a receipt of parentType — TERMINATES(parentType) itself,
// not the global union TerminalTypes() returns. A store probing "does
// parentID already have a terminator" must filter by this set, not by
// "any receipt referencing parentID", or a non-terminal child (a
// progress report, a start notice, an acknowledgement) would be
// mistaken for a discharge.
func TerminalTypesFor(parentType Type) []Type {
	return keys(terminates[parentType])
}

// ObligationTypes returns the set of receipt types that create obligations.
func ObligationTypes() []Type {
	return keys(obligationTypes)
}

// TerminalTypes returns the set of receipt types that can terminate some
// obligation.
func TerminalTypes() []Type {
	return keys(terminalTypes)
}

// AllTypes returns the full receipt-type vocabulary, for callers that need
// to pass "any type" to a store's ANY/IN clause rather than omitting the
// filter.
func AllTypes() []Type {
	return []Type{
		TaskAssigned, TaskProgress, TaskStarted, TaskCompleted, TaskFailed,
		TaskCanceled, TaskResultReady, LeaseExpired, ReceiptAcknowledged,
		SystemAnomaly, SystemAnomalyLocatabilityMissing,
	}
}

func keys(m map[Type]bool) []Type {
	out := make([]Type, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	return out
}
