// Package crawler defines the domain model of the recoverable crawler: links,
// resources, pages, tasks and queue items, the capabilities the engine depends
// on (Store, PageStore, Fetcher, Parser), the task registry, URL normalization
// and the pluggable deduplication strategies.
package crawler
