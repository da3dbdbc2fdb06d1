// Package compliance turns dispense/return events and visit dates into
// per-cycle and per-visit compliance results, and rolls those results up into
// monthly trends, per-study summaries and alerts.
//
// Everything here is a pure function over in-memory records. Callers fetch
// rows, call into this package, and persist the derived fields together with
// the write that triggered them.
package compliance
