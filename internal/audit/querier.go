package audit

import "context"

// Querier is the storage contract for the audit trail. *Queries implements
// it over pgx; tests substitute mocks.
type Querier interface {
	InsertAuditEntry(ctx context.Context, arg InsertAuditEntryParams) error
	ListAuditEntries(ctx context.Context, arg ListAuditEntriesParams) ([]AuditEntry, error)
	ListAuditEntriesByAggregate(ctx context.Context, arg ListAuditEntriesByAggregateParams) ([]AuditEntry, error)
}

var _ Querier = (*Queries)(nil)
