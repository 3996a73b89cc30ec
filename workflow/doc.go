// Package workflow implements the dependency-graph workflow engine: graph
// validation with cycle rejection, ready-set scheduling through the bounded
// execution queue, per-step retry and circuit-breaker guarding, the
// single-writer workflow context, and the pattern builders (sequential,
// parallel, conditional, map-reduce).
package workflow
