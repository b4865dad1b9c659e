// Package ingest applies exchange order and fill updates to the local order
// records and settles newly filled entry orders.
//
// Every event goes through the dedup ledger in the same transaction as the
// order update, so a replayed event changes nothing. Settling a fill places
// one STOP_LOSS and one TAKE_PROFIT order, each guarded by its own intent,
// then claims the fill's notification marker and sends the notice. A cycle
// can be interrupted anywhere: the next cycle picks up filled entries whose
// marker is still unset.
package ingest
