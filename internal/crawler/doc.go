// Package crawler holds the domain model shared by the crawl subsystems: URL
// records and their statuses, per-host URL lists, crawl outcomes, statistics,
// session state, and the collaborator interfaces the worker and queue depend on.
package crawler
