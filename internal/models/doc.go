// Package models defines the data model for the podcast listening sync service.
//
// Three tables back the sync engine, all scoped by user:
//
//   - Connection: one per user, holding encrypted OAuth credentials and sync
//     bookkeeping (last sync time, consecutive failure count).
//   - Show: one per (user, remote show id), updated in place on replays.
//   - Episode: one per (user, remote episode id), never duplicated by
//     repeated sync runs.
//
// Natural keys are composite unique indexes over domain identifiers rather
// than surrogate row ids, which is what makes the sync upserts idempotent.
package models
