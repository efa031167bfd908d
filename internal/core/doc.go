// Package core provides content-addressed execution of pipeline tasks.
//
// A task is identified by what it reads and what it is asked to produce:
//
//  1. Inputs are expanded to a strictly sorted set of files and read by content.
//  2. The task kind, parameters and declared outputs are folded into the same
//     fingerprint, so any change yields a new TaskHash.
//  3. Declared outputs are harvested after a successful action and stored in a
//     Cache under that hash.
//
// A later run with the same fingerprint restores the stored outputs instead of
// performing the action again. Restoring and publishing are atomic per output
// root: a reader sees either the previous tree or the complete new one.
package core
