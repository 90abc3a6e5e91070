// Package strategies provides the healing strategies registered with the
// orchestrator.
//
// Built-in strategies cover build failures, performance degradation,
// security vulnerabilities, memory leaks, test failures, database problems
// and generic component failures. Their actions run shell commands through
// a runner.Runner; every command line can be replaced per deployment
// through Deps.Commands, keyed by issue type and command key:
//
//	commands:
//	  build-failure:
//	    build: ["make build"]
//	  performance:
//	    flush-cache: []   # disable the redis flush
//
// Commands see the issue as MEDIC_ISSUE_ID, MEDIC_ISSUE_TYPE,
// MEDIC_SEVERITY, MEDIC_COMPONENT and one MEDIC_<KEY> variable per
// metadata extra (for example MEDIC_FILE for test failures).
//
// Declarative strategies are built from configuration with three action
// kinds: command lists, Starlark scripts and WASI modules run in the
// sandbox.
package strategies
