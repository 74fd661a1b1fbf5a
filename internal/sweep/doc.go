// Package sweep defines the core types and collaborator interfaces shared by
// the crawl orchestration subsystems: the crawl lock, the domain backlog, the
// provider fan-out, and the sweep controller that drives them.
package sweep
