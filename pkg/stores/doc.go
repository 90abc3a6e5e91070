// Package stores persists healing activity in SQLite. The schema is
// managed with embedded golang-migrate migrations and the store implements
// healing.Recorder, so issues, actions, reports, escalations and audit
// entries survive restarts and can be queried by the CLI. Health snapshots
// are recorded by the server whenever the overall status changes.
package stores
