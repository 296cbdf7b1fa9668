package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		remoteToolPolicy(),
		destructiveCommandsPolicy(),
		imageTagsPolicy(),
		inlineSecretsPolicy(),
		deployTimeoutPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Builtin:     true,
	}
}

func remoteToolPolicy() Policy {
	return builtin("remote-tool",
		"Pipelines forced to remote execution must name a CI tool",
		SeverityError, []string{"execution"}, `package conveyor.policies.remote_tool

import rego.v1

deny contains violation if {
	input.pipeline.execution_mode == "remote"
	object.get(input.pipeline, "tool", "") == ""
	violation := {
		"message": sprintf("pipeline %s uses remote execution but names no CI tool", [input.pipeline.id]),
		"severity": "error",
	}
}
`)
}

func destructiveCommandsPolicy() Policy {
	return builtin("destructive-commands",
		"Blocks commands that wipe the filesystem or devices",
		SeverityError, []string{"security"}, `package conveyor.policies.destructive_commands

import rego.v1

command_keys := ["command", "script", "remote_command", "run_command"]

patterns := [
	"rm\\s+-(rf|fr)\\s+/(\\s|\\*|$)",
	"(^|[;&|]\\s*)mkfs(\\.[a-z0-9]+)?\\s",
	"dd\\s+.*of=/dev/(sd|hd|nvme|xvd)",
	":\\(\\)\\s*\\{\\s*:\\s*\\|\\s*:\\s*&\\s*\\}\\s*;\\s*:",
]

deny contains violation if {
	some step in input.pipeline.steps
	some key in command_keys
	cmd := object.get(step, ["parameters", key], "")
	is_string(cmd)
	some pattern in patterns
	regex.match(pattern, cmd)
	violation := {
		"message": sprintf("parameter %s runs a destructive command", [key]),
		"severity": "error",
		"step": step.id,
	}
}
`)
}

func imageTagsPolicy() Policy {
	return builtin("image-tags",
		"Warns about container images using the mutable latest tag",
		SeverityWarning, []string{"containers"}, `package conveyor.policies.image_tags

import rego.v1

image_steps := {"docker_build", "docker_push", "docker_pull", "docker_run", "k8s_deploy"}

deny contains violation if {
	some step in input.pipeline.steps
	step.type in image_steps
	object.get(step, ["parameters", "tag"], "") == "latest"
	violation := {
		"message": "image tag latest is mutable, pin a version",
		"severity": "warning",
		"step": step.id,
	}
}

deny contains violation if {
	some step in input.pipeline.steps
	step.type in image_steps
	image := object.get(step, ["parameters", "image"], "")
	is_string(image)
	endswith(image, ":latest")
	violation := {
		"message": sprintf("image %s is mutable, pin a version", [image]),
		"severity": "warning",
		"step": step.id,
	}
}
`)
}

func inlineSecretsPolicy() Policy {
	return builtin("inline-secrets",
		"Warns about secrets written inline instead of referenced from the environment",
		SeverityWarning, []string{"security"}, `package conveyor.policies.inline_secrets

import rego.v1

secret_name := "(?i)(password|passwd|secret|token|api_key)"

deny contains violation if {
	some step in input.pipeline.steps
	some key, value in object.get(step, "parameters", {})
	regex.match(secret_name, key)
	is_string(value)
	value != ""
	not startswith(value, "$")
	violation := {
		"message": sprintf("parameter %s holds an inline secret, reference an environment variable instead", [key]),
		"severity": "warning",
		"step": step.id,
	}
}

deny contains violation if {
	some key, value in object.get(input.pipeline, "environment", {})
	regex.match(secret_name, key)
	value != ""
	not startswith(value, "$")
	violation := {
		"message": sprintf("environment variable %s holds an inline secret", [key]),
		"severity": "warning",
	}
}
`)
}

func deployTimeoutPolicy() Policy {
	return builtin("deploy-timeout",
		"Deployment steps should be bounded by a step or pipeline timeout",
		SeverityWarning, []string{"reliability"}, `package conveyor.policies.deploy_timeout

import rego.v1

deploy_steps := {"deploy", "k8s_deploy", "ansible"}

deny contains violation if {
	input.pipeline.timeout_seconds == 0
	some step in input.pipeline.steps
	step.type in deploy_steps
	step.timeout_seconds == 0
	violation := {
		"message": "deployment step has no timeout",
		"severity": "warning",
		"step": step.id,
	}
}
`)
}
