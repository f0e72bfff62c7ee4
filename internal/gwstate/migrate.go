package gwstate

import "fmt"

// migration is a pure function from one schema version's document shape to
// the next. Migrations never mutate their input; they return a new value.
type migration func(Document) Document

// migrations is the ordered list applied when an on-disk document's
// schema_version is behind CurrentSchemaVersion. Index i migrates version
// i+1 to i+2.
var migrations = []migration{
	// Reserved for schema_version 1 -> 2 once the format changes. Empty for
	// now: schema_version 1 is the only version this process has ever
	// written.
}

// migrate walks doc forward through any pending migrations and stamps the
// result with CurrentSchemaVersion. A document from a newer schema_version
// than this process understands is rejected rather than silently accepted.
func migrate(doc *Document) (*Document, error) {
	if doc.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("gwstate: state file schema_version %d is newer than supported %d", doc.SchemaVersion, CurrentSchemaVersion)
	}
	if doc.SchemaVersion < 1 {
		doc.SchemaVersion = 1
	}

	result := *doc
	for v := result.SchemaVersion; v < CurrentSchemaVersion; v++ {
		result = migrations[v-1](result)
	}
	result.SchemaVersion = CurrentSchemaVersion
	return &result, nil
}
