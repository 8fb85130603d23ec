package policy

// BuiltinPolicies returns the policies every Engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		protectedPathsPolicy(),
		rootExecutionPolicy(),
		targetFanoutPolicy(),
	}
}

// destructiveCommandsPolicy blocks command lines that wipe filesystems or
// disks.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Blocks commands that erase the root filesystem or write raw disks",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "command"},
		Rego: `package skein.policies.destructive

import rego.v1

patterns := [
	` + "`" + `rm\s+(-[a-zA-Z]*[rR][a-zA-Z]*\s+)*(-[a-zA-Z]*\s+)*/(\s|\*|$)` + "`" + `,
	` + "`" + `\bmkfs(\.[a-z0-9]+)?\s` + "`" + `,
	` + "`" + `\bdd\s.*\bof=/dev/(sd|hd|vd|nvme|xvd)` + "`" + `,
	` + "`" + `:\(\)\s*\{\s*:\|:&\s*\};:` + "`" + `,
]

deny contains violation if {
	input.action == "command"
	some pattern in patterns
	regex.match(pattern, input.object)
	violation := {
		"message": sprintf("Command '%s' is destructive and is not allowed", [input.object]),
		"severity": "critical",
	}
}
`,
	}
}

// protectedPathsPolicy blocks uploads over credential and boot files.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Blocks uploads that overwrite credential or boot files",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "upload"},
		Rego: `package skein.policies.paths

import rego.v1

protected := {"/etc/shadow", "/etc/gshadow", "/etc/sudoers", "/etc/passwd"}

deny contains violation if {
	input.action == "upload"
	destination := input.destination
	protected[destination]
	violation := {
		"message": sprintf("Uploading to %s is not allowed", [destination]),
		"severity": "error",
	}
}

deny contains violation if {
	input.action == "upload"
	destination := input.destination
	startswith(destination, "/boot/")
	violation := {
		"message": sprintf("Uploading into /boot is not allowed (%s)", [destination]),
		"severity": "error",
	}
}
`,
	}
}

// rootExecutionPolicy warns when actions escalate to root.
func rootExecutionPolicy() Policy {
	return Policy{
		Name:        "root-execution",
		Description: "Warns when an action runs as root through run_as",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"audit"},
		Rego: `package skein.policies.root

import rego.v1

deny contains violation if {
	input.options.run_as == "root"
	violation := {
		"message": sprintf("%s '%s' runs as root on %d targets", [input.action, input.object, count(input.targets)]),
		"severity": "warning",
	}
}
`,
	}
}

// targetFanoutPolicy warns about very wide actions without a description.
func targetFanoutPolicy() Policy {
	return Policy{
		Name:        "target-fanout",
		Description: "Warns when an action addresses more than 500 targets without a description",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"audit"},
		Rego: `package skein.policies.fanout

import rego.v1

deny contains violation if {
	count(input.targets) > 500
	not input.options.description
	violation := {
		"message": sprintf("%s addresses %d targets; add a description to record why", [input.action, count(input.targets)]),
		"severity": "warning",
	}
}
`,
	}
}
