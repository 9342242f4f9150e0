package close

// Checklist templates seeded per period type. Monthly and larger periods
// carry the full reconciliation set; daily and weekly periods only gate on
// journal completeness.
var (
	fullChecklist = []ChecklistDefinition{
		{Key: ValidationJournalsPosted, Label: "All journals posted", Required: true},
		{Key: ValidationJournalsBalanced, Label: "All journals balanced", Required: true},
		{Key: ValidationBankReconciled, Label: "Bank reconciliation completed", Required: true},
		{Key: "ap_subledger", Label: "AP subledger reconciled", Required: true},
		{Key: "payroll_interfaced", Label: "Payroll batch interfaced", Required: false},
		{Key: "depreciation_run", Label: "Asset depreciation run posted", Required: false},
	}
	shortChecklist = []ChecklistDefinition{
		{Key: ValidationJournalsPosted, Label: "All journals posted", Required: true},
		{Key: ValidationJournalsBalanced, Label: "All journals balanced", Required: true},
	}
)

// ChecklistTemplate returns the seed checklist for a period type.
func ChecklistTemplate(t PeriodType) []ChecklistDefinition {
	switch t {
	case PeriodTypeDaily, PeriodTypeWeekly:
		return shortChecklist
	default:
		return fullChecklist
	}
}
