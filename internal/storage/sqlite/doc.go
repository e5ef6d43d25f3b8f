// Package sqlite persists the crawl frontier in SQLite files via the pure-Go
// modernc.org/sqlite driver: manager.db holds URLs, resources, tasks and both
// work queues, content.db holds compressed pages.
package sqlite
