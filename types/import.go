package types

import "fmt"

// ImportOutcome is the verdict of the block processing pipeline.
type ImportOutcome int

const (
	// ImportAccepted means the block is now part of the chain. Importing a
	// known block is accepted.
	ImportAccepted ImportOutcome = iota
	// ImportRejected means the block is invalid.
	ImportRejected
	// ImportParentUnknown means the parent has not been imported yet.
	ImportParentUnknown
)

func (o ImportOutcome) String() string {
	switch o {
	case ImportAccepted:
		return "accepted"
	case ImportRejected:
		return "rejected"
	case ImportParentUnknown:
		return "parent_unknown"
	default:
		return fmt.Sprintf("ImportOutcome(%d)", int(o))
	}
}

// ImportResult is returned by block import.
type ImportResult struct {
	Outcome ImportOutcome
	// Reason explains a rejection.
	Reason string
}
