// Package sink implements crawler.RecordSink destinations for terminal
// records: an append-only JSON-lines file and a structured log sink.
package sink
