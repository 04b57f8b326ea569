// Package crawler defines the task, record, and fetch types shared by the
// ledger-backed crawl engine together with the collaborator interfaces the
// worker pool is built from.
package crawler
