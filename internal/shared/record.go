package shared

import (
	"errors"
	"fmt"
)

// RecordKind tags the closed set of financial record types that can be
// referenced polymorphically (revision logs, approvals).
type RecordKind string

const (
	RecordJournalEntry    RecordKind = "journal_entry"
	RecordCashTxn         RecordKind = "cash_transaction"
	RecordBankTxn         RecordKind = "bank_transaction"
	RecordGiroTxn         RecordKind = "giro_transaction"
	RecordPurchasePayable RecordKind = "purchase_payable"
	RecordPayrollBatch    RecordKind = "payroll_batch"
	RecordAssetEvent      RecordKind = "asset_event"
)

// ErrUnknownRecordKind indicates a tag outside the closed set.
var ErrUnknownRecordKind = errors.New("unknown record kind")

// RecordRef references a row of one of several record tables by kind + id.
// Resolution dispatches on the kind, never on an untyped foreign key.
type RecordRef struct {
	Kind RecordKind
	ID   int64
}

// Validate rejects refs outside the closed kind set or without an id.
func (r RecordRef) Validate() error {
	switch r.Kind {
	case RecordJournalEntry, RecordCashTxn, RecordBankTxn, RecordGiroTxn,
		RecordPurchasePayable, RecordPayrollBatch, RecordAssetEvent:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRecordKind, r.Kind)
	}
	if r.ID == 0 {
		return errors.New("record id required")
	}
	return nil
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}
