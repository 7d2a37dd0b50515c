package domain

// Upcast rewrites a stored envelope to the current schema. The only migration
// today is UsageRecorded v1 -> v2, which gains a source attribute defaulted to
// "unknown". The stream itself is never rewritten; stores apply Upcast to every
// envelope they load. Upcast is total and idempotent, so applying it to an
// already-current envelope returns it unchanged.
func Upcast(e Envelope) Envelope {
	if p, ok := e.Payload.(UsageRecorded); ok && e.SchemaVersion < UsageRecordedSchemaVersion {
		if p.Source == "" {
			p.Source = "unknown"
		}
		e.SchemaVersion = UsageRecordedSchemaVersion
		e.Payload = p
	}
	return e
}
