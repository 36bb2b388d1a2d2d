// Package statemachine implements the pure, in-memory, deterministic
// transaction state engine described in spec §4.3. A StateMachine value is
// built once from a transition table and is safe to share across goroutines
// and across many StateMachine instances — there is no global singleton.
package statemachine

import (
	"fmt"

	"paytruth.engine/internal/domain/entities"
)

// RejectReason names why a transition was rejected, in the order the spec's
// validation contract checks them.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectTerminalSource RejectReason = "source_terminal"
	RejectNoSuchEdge     RejectReason = "no_such_edge"
	RejectTriggerNotAllowed RejectReason = "trigger_not_allowed"
	RejectGuardFailed    RejectReason = "guard_failed"
)

// Context is the set of facts a guard may inspect. Metadata carries
// trigger-specific data such as signatureValid, providerRef, and the
// dispute outcome.
type Context struct {
	From     entities.TransactionStatus
	To       entities.TransactionStatus
	Trigger  entities.TriggerType
	Metadata map[string]interface{}
}

// Guard is a pure predicate over a candidate transition. It must never
// panic in normal operation; a guard rejection is reported, not thrown.
type Guard func(ctx Context) (ok bool, reason string)

type edge struct {
	to       entities.TransactionStatus
	triggers map[entities.TriggerType]bool
	guards   []Guard
}

// StateMachine is an immutable value built from a transition table.
// Multiple instances built from the same table are legal and identical.
type StateMachine struct {
	edges map[entities.TransactionStatus][]edge
}

// Result is the outcome of Validate.
type Result struct {
	Allowed bool
	Reason  RejectReason
	Detail  string
}

// Builder assembles a StateMachine edge by edge.
type Builder struct {
	edges map[entities.TransactionStatus][]edge
}

// NewBuilder returns an empty transition-table builder.
func NewBuilder() *Builder {
	return &Builder{edges: make(map[entities.TransactionStatus][]edge)}
}

// Allow registers an edge from -> to, valid for the given triggers, subject
// to the (optional) guards.
func (b *Builder) Allow(from, to entities.TransactionStatus, triggers []entities.TriggerType, guards ...Guard) *Builder {
	triggerSet := make(map[entities.TriggerType]bool, len(triggers))
	for _, t := range triggers {
		triggerSet[t] = true
	}
	b.edges[from] = append(b.edges[from], edge{to: to, triggers: triggerSet, guards: guards})
	return b
}

// Build finalizes the transition table into an immutable StateMachine.
func (b *Builder) Build() *StateMachine {
	frozen := make(map[entities.TransactionStatus][]edge, len(b.edges))
	for from, edges := range b.edges {
		frozen[from] = append([]edge(nil), edges...)
	}
	return &StateMachine{edges: frozen}
}

// Validate implements the spec §4.3 ordered validation contract:
//  1. from is terminal -> reject
//  2. (from, to) not in the table -> reject
//  3. declared trigger not in the edge's allowed set -> reject
//  4. any edge-attached guard rejects -> reject with the guard's reason
func (sm *StateMachine) Validate(from, to entities.TransactionStatus, trigger entities.TriggerType, metadata map[string]interface{}) Result {
	if from.IsTerminal() {
		return Result{Allowed: false, Reason: RejectTerminalSource, Detail: fmt.Sprintf("%s is a terminal status", from)}
	}

	var matched *edge
	for i, e := range sm.edges[from] {
		if e.to == to {
			matched = &sm.edges[from][i]
			break
		}
	}
	if matched == nil {
		return Result{Allowed: false, Reason: RejectNoSuchEdge, Detail: fmt.Sprintf("%s -> %s is not a valid transition", from, to)}
	}

	if !matched.triggers[trigger] {
		return Result{Allowed: false, Reason: RejectTriggerNotAllowed, Detail: fmt.Sprintf("trigger %q not allowed for %s -> %s", trigger, from, to)}
	}

	ctx := Context{From: from, To: to, Trigger: trigger, Metadata: metadata}
	for _, guard := range matched.guards {
		if ok, reason := guard(ctx); !ok {
			return Result{Allowed: false, Reason: RejectGuardFailed, Detail: reason}
		}
	}

	return Result{Allowed: true}
}
