// Package crawler defines the domain types and collaborator contracts shared by
// the frontier, the loader, the worker pool and the crawl queues controller.
package crawler
