// Package progress carries crawl milestones from workers and the scheduler to
// pluggable sinks. Events are batched on a background goroutine so emitters
// never block on logging or metrics.
package progress
