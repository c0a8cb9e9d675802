// Package store holds the authoritative lock state of one coordinator: the
// active lock per content item, every lock by id, the conflict records and the
// append-only history.
//
// A Store is an explicit instance; several can coexist in one process. All
// mutations go through Update, which runs a function against a staging
// transaction while holding the store's write lock. Staged records are handed
// to the optional Persister before they become visible, so a failed write
// leaves the in-memory state untouched. Readers receive copies.
package store
