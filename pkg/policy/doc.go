// Package policy authorizes actions with Open Policy Agent (OPA) Rego
// policies.
//
// An Engine holds compiled policies and implements engine.Guard: before an
// action touches any target, the Executor asks the Engine to evaluate every
// enabled policy against a document describing the action:
//
//	{
//	  "action": "command",
//	  "object": "systemctl restart nginx",
//	  "destination": "",
//	  "targets": ["web1", "web2"],
//	  "options": {"run_as": "root"},
//	  "context": {"user": "deploy", "environment": "production", "timestamp": "..."}
//	}
//
// Each policy contributes violations through a `deny` set in its package.
// A violation is a string or an object with "message", "severity" and
// "target" keys. Violations of severity error or critical deny the action
// with a policy-denied error; warnings and info are logged.
//
// # Built-in Policies
//
//   - destructive-commands: blocks commands erasing / or writing raw disks
//   - protected-paths: blocks uploads over credential files and into /boot
//   - root-execution: warns when run_as is root
//   - target-fanout: warns about actions on more than 500 targets without
//     a description
//
// # Custom Policies
//
// Project policies are .rego files (named after the file, severity from a
// "# severity: error" header comment) or .json files holding a Policy.
//
//	package skein.policies.maintenance
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.context.environment == "production"
//	    input.action == "task"
//	    input.object == "reboot"
//	    msg := "reboots in production need a change window"
//	}
//
// Engine.Watch reloads them on change; a reload that fails to compile keeps
// the previous set.
package policy
