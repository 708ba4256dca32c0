// Package rules implements the fraud rule model and its evaluator.
//
// A Check is a boolean expression tree: a *Leaf compares one transaction fact
// against a value, a *List combines child checks with "and" or "or". A Rule
// pairs a root check with an Outcome, and a Ruleset is an ordered list of
// rules evaluated together into a single Decision.
//
// Rules arrive in wire form (nested maps and arrays decoded from JSON or
// YAML). CheckFromWire, RuleFromWire and RulesetFromWire validate strictly and
// return a *ValidationError describing the first problem found; ToWire and
// the ToWire methods produce the exact inverse.
//
// Everything in this package is immutable once built and free of I/O, so a
// *Ruleset may be shared by any number of goroutines.
package rules
