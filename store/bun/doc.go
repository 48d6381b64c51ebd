// Package bunstore implements store.Store on PostgreSQL via the Bun ORM.
// Schema migrations are embedded and applied by Migrate. The atomicity
// contract (decide CAS, task transition CAS, leadership lease) is enforced
// with guarded UPDATEs, so concurrent callers race safely at the database.
package bunstore
