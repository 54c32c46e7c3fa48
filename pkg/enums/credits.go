package enums

import "fmt"

// CreditEntryStatus maps to the credit_entry_status enum in Postgres.
type CreditEntryStatus string

const (
	CreditEntryStatusReserved  CreditEntryStatus = "reserved"
	CreditEntryStatusCommitted CreditEntryStatus = "committed"
	CreditEntryStatusRefunded  CreditEntryStatus = "refunded"
)

var validCreditEntryStatuses = []CreditEntryStatus{
	CreditEntryStatusReserved,
	CreditEntryStatusCommitted,
	CreditEntryStatusRefunded,
}

// String returns the literal string for the status.
func (s CreditEntryStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s CreditEntryStatus) IsValid() bool {
	for _, candidate := range validCreditEntryStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseCreditEntryStatus converts raw input into CreditEntryStatus.
func ParseCreditEntryStatus(value string) (CreditEntryStatus, error) {
	for _, candidate := range validCreditEntryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid credit entry status %q", value)
}

// CreditDisposition is the outcome applied when a reservation is finalized.
type CreditDisposition string

const (
	CreditDispositionCommit CreditDisposition = "commit"
	CreditDispositionRefund CreditDisposition = "refund"
)

var validCreditDispositions = []CreditDisposition{
	CreditDispositionCommit,
	CreditDispositionRefund,
}

func (d CreditDisposition) String() string {
	return string(d)
}

func (d CreditDisposition) IsValid() bool {
	for _, candidate := range validCreditDispositions {
		if candidate == d {
			return true
		}
	}
	return false
}

// TargetStatus returns the entry status a reservation moves to for this disposition.
func (d CreditDisposition) TargetStatus() CreditEntryStatus {
	if d == CreditDispositionRefund {
		return CreditEntryStatusRefunded
	}
	return CreditEntryStatusCommitted
}

// ParseCreditDisposition converts raw input into CreditDisposition.
func ParseCreditDisposition(value string) (CreditDisposition, error) {
	for _, candidate := range validCreditDispositions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid credit disposition %q", value)
}
