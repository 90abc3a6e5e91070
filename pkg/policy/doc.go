// Package policy gates remediation actions with Open Policy Agent.
//
// A Guard compiles Rego modules whose package lives under "medic" and
// evaluates each module's deny set before the orchestrator runs an action.
// The input document has the following shape:
//
//	{
//	  "issue":       {"id": "...", "type": "...", "severity": "...", "component": "...", "metadata": {...}},
//	  "action":      {"name": "...", "description": "...", "estimated_duration_ms": 0, "rollback": false},
//	  "environment": "production",
//	  "time":        {"rfc3339": "...", "hour": 14, "weekday": "Monday"}
//	}
//
// Deny entries are either strings or objects with "message" and
// "severity". Entries with severity "warning" are logged and do not block.
// A policy that fails to evaluate blocks the action.
//
// Runtime settings are exposed as data.settings:
//
//	data.settings.freeze                boolean, see Guard.SetFreeze
//	data.settings.protected_components  list of component names
//
// Custom policies are loaded from .rego or .json files with a Loader, and
// Loader.Watch reloads them when the files change.
package policy
