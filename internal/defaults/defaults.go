// Package defaults provides an embedded copy of the example
// configuration, written out by the closely init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../config.example.yaml .

// ConfigYAML is the embedded default configuration file
// (config.example.yaml), written by `closely init`.
//
//go:embed config.example.yaml
var ConfigYAML []byte
