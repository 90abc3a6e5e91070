// Package notify delivers escalations and on-call pages.
//
// Webhook posts a JSON Envelope to an HTTP endpoint with rate limiting and
// exponential backoff. LogSink writes to the logger. Multi combines them.
package notify
