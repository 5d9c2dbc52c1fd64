// Package conflicts persists the losing side of every resolved sync
// conflict so clinicians can audit what the last-write-wins rule discarded.
package conflicts
