package es

import (
	"github.com/google/uuid"

	"corebank.io/platform/internal/pkg/idempotent"
	"corebank.io/platform/internal/pkg/tagged"
)

type accountEvent interface {
	Event
	isAccountEvent()
}

type accountOpened struct {
	Holder string `json:"holder"`
}

type accountFrozen struct {
	Reason string `json:"reason"`
}

type accountUnfrozen struct{}

type fundsDeposited struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (*accountOpened) EventType() string   { return "account_opened" }
func (*accountFrozen) EventType() string   { return "account_frozen" }
func (*accountUnfrozen) EventType() string { return "account_unfrozen" }
func (*fundsDeposited) EventType() string  { return "funds_deposited" }

func (*accountOpened) isAccountEvent()   {}
func (*accountFrozen) isAccountEvent()   {}
func (*accountUnfrozen) isAccountEvent() {}
func (*fundsDeposited) isAccountEvent()  {}

type account struct {
	ID      uuid.UUID
	Holder  string
	Frozen  bool
	Balance int64

	events EntityEvents[accountEvent]
}

func (a *account) Events() *EntityEvents[accountEvent] { return &a.events }

func (a *account) apply(e accountEvent) {
	switch ev := e.(type) {
	case *accountOpened:
		a.Holder = ev.Holder
	case *accountFrozen:
		a.Frozen = true
	case *accountUnfrozen:
		a.Frozen = false
	case *fundsDeposited:
		a.Balance += ev.Amount
	}
}

func (a *account) Freeze(reason string) idempotent.Result[struct{}] {
	if AlreadyApplied(a.events.IterAllRev(), Is[*accountFrozen, accountEvent](), Is[*accountUnfrozen, accountEvent]()) {
		return idempotent.AlreadyApplied[struct{}]()
	}
	e := &accountFrozen{Reason: reason}
	a.events.Push(e)
	a.apply(e)
	return idempotent.Executed(struct{}{})
}

func (a *account) Unfreeze() idempotent.Result[struct{}] {
	if !a.Frozen {
		return idempotent.AlreadyApplied[struct{}]()
	}
	e := &accountUnfrozen{}
	a.events.Push(e)
	a.apply(e)
	return idempotent.Executed(struct{}{})
}

func (a *account) Deposit(amount int64, reference string) idempotent.Result[int64] {
	sameRef := Matches[*fundsDeposited, accountEvent](func(d *fundsDeposited) bool {
		return d.Reference == reference
	})
	if AlreadyApplied(a.events.IterAllRev(), sameRef) {
		return idempotent.AlreadyApplied[int64]()
	}
	e := &fundsDeposited{Amount: amount, Reference: reference}
	a.events.Push(e)
	a.apply(e)
	return idempotent.Executed(a.Balance)
}

func buildAccount(events EntityEvents[accountEvent]) (*account, error) {
	a := &account{ID: events.ID()}
	first := true
	for e := range events.IterAll() {
		if first {
			if _, ok := e.(*accountOpened); !ok {
				return nil, BuildErrorf("first event is %s, want account_opened", e.EventType())
			}
			first = false
		}
		a.apply(e)
	}
	if first {
		return nil, BuildErrorf("empty history")
	}
	a.events = events
	return a, nil
}

func accountDefinition() Definition[*account, accountEvent] {
	return Definition[*account, accountEvent]{
		AggregateType: "account",
		Codec: tagged.NewCodec[accountEvent](
			(*accountOpened)(nil),
			(*accountFrozen)(nil),
			(*accountUnfrozen)(nil),
			(*fundsDeposited)(nil),
		),
		Build: buildAccount,
	}
}
