// Package config loads skein's file-based configuration: the project file
// (skein.yaml or skein.cue) and the generic decoding used for inventory files.
//
// # Formats
//
// Files are decoded by extension:
//
//   - .yaml, .yml: gopkg.in/yaml.v3
//   - .json: encoding/json
//   - .cue: cuelang.org/go, exported to JSON once fully concrete
//
// Whatever the source format, the decoded document is unified with a named
// built-in CUE schema ("project" or "inventory") before it is mapped onto Go
// structs, and the structs are then checked with go-playground/validator tags.
// Errors carry file positions when CUE can provide them.
//
// # Usage Example
//
//	parser := config.NewParser()
//
//	project, err := config.LoadProject(parser, "skein.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	var data inventory.GroupData
//	if err := parser.DecodeFile("inventory.yaml", "inventory", &data); err != nil {
//	    log.Fatal(err)
//	}
//
// # Project File
//
//	name: ops
//	concurrency: 50
//	inventory-file: inventory.yaml
//	rerun-file: .skein/rerun.json
//	journal-file: .skein/journal.db
//	policy-paths: [policies]
//	disabled-policies: [root-execution]
//	watch-policies: true
//	log:
//	  level: info
//	  format: console
//	metrics:
//	  listen-address: ":9090"
//	tracing:
//	  exporter: none
package config
