// Package config loads the conveyor application configuration and pipeline
// definition files.
//
// # Application configuration
//
// Load reads conveyor.yaml with viper. Every key has a default and can be
// overridden from the environment with the CONVEYOR_ prefix, dots replaced
// by underscores:
//
//	CONVEYOR_ENGINE_MAX_PARALLEL=4
//	CONVEYOR_TELEMETRY_LOGGING_LEVEL=debug
//
// CI tool tokens may reference environment variables (token: ${JENKINS_TOKEN}).
//
// # Pipeline files
//
// Pipelines are defined in YAML or CUE. Both decode into PipelineFile, which
// converts to store rows (Records) or to the canonical engine definition
// (Definition). CUE files are unified with a built-in schema first, so
// errors carry file positions:
//
//	pipeline: {
//		name: "app"
//		steps: [
//			{type: "fetch_code", parameters: repository_url: "https://git.example.com/app.git"},
//			{type: "build", parameters: command: "make"},
//		]
//	}
//
// Watcher reloads changed files from a pipeline directory.
package config
