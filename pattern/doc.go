// Package pattern contains the data model shared by every component of
// the engine: AutomationPattern records, incoming requests, typed
// payload variants, and the JSON wire format used for export/import.
package pattern
