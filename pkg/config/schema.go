package config

const schemaFilename = "medic-schema.cue"

// medicSchema is the CUE schema every configuration is unified with.
// Definitions are closed, so unknown keys are rejected.
const medicSchema = `
#Duration: string & =~"^(0|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$"

#Severity: "low" | "medium" | "high" | "critical"

#Percent: number & >=0 & <=100

#Probe: {
	name:       string & !=""
	kind:       "http" | "tcp" | "dns" | "sql" | "disk" | "memory" | "process" | "command" | "goroutines"
	target?:    string
	driver?:    string
	threshold?: number & >=0
	command?:   string
	timeout?:   #Duration
}

#Action: {
	name:         string & !=""
	description?: string
	kind:         "command" | "script" | "wasm"
	commands?: [...string]
	rollback?: [...string]
	script?:      string
	script_file?: string
	module?:      string
	args?: [...string]
	timeout?:  #Duration
	estimate?: #Duration
}

#Strategy: {
	issue_type:   string & !=""
	description?: string
	max_attempts: int & >=1
	cooldown?:    #Duration
	priority?:    int
	actions: [#Action, ...#Action]
}

#StrategyFile: {
	strategies: [...#Strategy]
}

#Medic: {
	engine?: {
		auto_healing?:     bool
		issue_gap?:        #Duration
		environment?:      string & !=""
		event_buffer?:     int & >=1
		threshold_issues?: bool
	}
	monitor?: {
		interval?:         #Duration
		probe_timeout?:    #Duration
		workers?:          int & >=1
		degraded_latency?: #Duration
		host_metrics?:     bool
		thresholds?: {
			critical_memory?:     #Percent
			critical_cpu?:        #Percent
			critical_error_rate?: #Percent
			warning_memory?:      #Percent
			warning_cpu?:         #Percent
			warning_error_rate?:  #Percent
			alert_memory?:        #Percent
			alert_cpu?:           #Percent
			alert_error_rate?:    #Percent
		}
		component_issue_types?: [string]: string
		component_severities?: [string]:  #Severity
		default_issue_type?: string & !=""
	}
	probes?: [...#Probe]
	commands?: [string]: [string]: [...string]
	services?: [string]: string
	strategies?: [...#Strategy]
	watch?: {
		dirs?: [...string]
		debounce?: #Duration
	}
	escalation?: {
		webhook_url?: string
		pager_url?:   string
		rate?:        number & >=0
		burst?:       int & >=0
		max_retries?: int & >=0
		timeout?:     #Duration
		headers?: [string]: string
	}
	storage?: {
		path?:      string
		retention?: #Duration
	}
	policy?: {
		enabled?: bool
		dirs?: [...string]
		freeze?: bool
		protected_components?: [...string]
	}
	runner?: {
		dir?:     string
		shell?:   string
		timeout?: #Duration
		sudo?:    bool
	}
	remote?: {
		host:                      string & !=""
		port?:                     int & >=1 & <=65535
		user:                      string & !=""
		password?:                 string
		private_key_path?:         string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
	}
	telemetry?: {
		log_level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:        "console" | "json"
		log_output?:        string
		tracing_enabled?:   bool
		tracing_exporter?:  "none" | "stdout" | "otlp"
		tracing_endpoint?:  string
		tracing_insecure?:  bool
		sampling_rate?:     number & >=0 & <=1
		metrics_enabled?:   bool
		metrics_namespace?: string
	}
	http?: {
		listen?: string
	}
}
`
