package client

import "github.com/markdave123-py/chatrelay/internal/models"

// GateState says whether a guest conversation may be initialized.
type GateState int

const (
	Unlocked GateState = iota
	Locked
)

func (g GateState) String() string {
	if g == Locked {
		return "locked"
	}
	return "unlocked"
}

// ComputeGate derives the gate from the upstream signals. Only guest
// routes are ever locked, and any one signal opens the gate: a payment
// error unlocks too so the guest can retry.
func ComputeGate(guestRoute bool, sig models.PaymentSignals) GateState {
	if !guestRoute || sig.PaymentConfirmed || sig.ReportReady || sig.PaymentError {
		return Unlocked
	}
	return Locked
}
