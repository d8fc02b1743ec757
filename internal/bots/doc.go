// Package bots defines the bot data model shared by every partition.
//
// Bots are immutable snapshots: a mutation produces a new *Bot and a new
// BotsState container, so observers detect changes by identity.
//
// The package also defines the Action variants routed through partitions,
// the TagEdit text operations used for character-level merging, and the
// canonical JSON encoding used for state hashes and golden traces.
//
// bots imports nothing internal.
package bots
