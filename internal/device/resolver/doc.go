// Package resolver decides, without IO, what happens when a remote change
// meets local state for the same entity.
//
// The rules, in order:
//
//  1. No local row, or local row already synced: take the remote change.
//  2. Append-only collections (vitals, attachments): identical content on
//     both sides is the same observation arriving twice; drop the remote
//     copy as a duplicate instead of logging a conflict.
//  3. Tombstones win over concurrent edits unless the surviving edit is
//     strictly newer than the deletion.
//  4. Otherwise last-write-wins on the clinical timestamp; an exact tie
//     goes to the remote side so every device converges on the same
//     winner.
//
// Whatever loses is preserved in the conflict log by the caller; the
// resolver only renders the verdict.
package resolver
