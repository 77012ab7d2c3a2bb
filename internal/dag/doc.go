// Package dag builds the dependency graph of a pipeline from its config
// model and executes it with a concurrent worker pool. Stage nodes produce
// batches that flow to their dependents; connection nodes open stateful
// objects that are torn down LIFO when the run ends.
package dag
