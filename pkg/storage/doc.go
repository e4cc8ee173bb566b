// Package storage holds connection settings for billrun's backing stores.
//
// PostgreSQL holds the marketplace tables billrun reads (business accounts,
// service requests, disputes, parts requests) and the tables it owns
// (weekly_billing_runs, billing_line_items, ledger_entries). Redis holds the
// weekly batch lock.
//
// Subpackage postgres manages the primary and read-replica pools and applies
// the embedded schema migrations:
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg), logger)
//	if err != nil {
//		return err
//	}
//	if err := postgres.Migrate(cm.Primary()); err != nil {
//		return err
//	}
//
// Billing runs and line items are always written and read on the primary;
// the eligibility double-billing guard depends on it. Marketplace reads may
// go to a replica.
package storage
