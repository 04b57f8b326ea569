// Package progress provides the crawl-state event primitives and the
// non-blocking hub that fans them out to pluggable sinks such as Prometheus
// metrics or structured logs. Emitting never blocks the crawl; events that do
// not fit in the buffer are dropped and counted.
package progress
