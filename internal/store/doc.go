// Package store defines the URL ledger contract shared by the crawl engine and
// its storage backends. Implementations live in internal/storage; this package
// must not import database drivers or concrete clients.
package store
