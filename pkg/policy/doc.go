// Package policy gates pipeline runs with Open Policy Agent (OPA).
//
// Before a run is dispatched the engine hands the canonical pipeline
// definition to Engine.EvaluatePipeline. Every enabled policy is a Rego
// module whose deny set is queried with the pipeline as input:
//
//	{
//	  "pipeline": {
//	    "id": "app", "name": "app", "execution_mode": "remote", "tool": "ci",
//	    "timeout_seconds": 900, "environment": {...},
//	    "steps": [{"id": "build", "type": "build", "parameters": {...}, ...}]
//	  },
//	  "context": {"timestamp": "...", "operation": "dispatch"}
//	}
//
// A deny entry is either a message string or an object:
//
//	package custom.no_deploy
//
//	import rego.v1
//
//	deny contains violation if {
//	    some step in input.pipeline.steps
//	    step.type == "deploy"
//	    violation := {"message": "no deployments", "severity": "error", "step": step.id}
//	}
//
// Violations with severity error or critical deny the run. Warning and info
// violations are reported as warnings and the run proceeds.
//
// # Built-in Policies
//
//  1. remote-tool - remote execution requires a CI tool
//  2. destructive-commands - blocks rm -rf /, mkfs, dd to block devices and fork bombs
//  3. image-tags - warns about the mutable latest tag
//  4. inline-secrets - warns about literal passwords and tokens
//  5. deploy-timeout - warns about deployment steps with no timeout
//
// # Custom Policies
//
// LoadPolicies reads .rego files (named after the file; a "# severity:"
// header comment sets the default severity) and JSON files holding one
// policy or a bundle with a "policies" array. Watch reloads them when the
// files change.
package policy
