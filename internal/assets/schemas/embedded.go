// Package schemasassets embeds the JSON schemas used to validate user input,
// so validation works from any working directory.
package schemasassets

import _ "embed"

// JobSpecSchema is the job-spec JSON schema.
//
//go:embed job-spec.schema.json
var JobSpecSchema []byte
