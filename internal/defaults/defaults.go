// Package defaults embeds the starter configuration written by the
// gridsense init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
