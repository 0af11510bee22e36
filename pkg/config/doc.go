// Package config provides application settings and CUE evaluation for
// govframe.
//
// # Overview
//
// Two kinds of configuration flow through govframe. Settings describe how the
// orchestrator itself runs (where run history is stored, which AWS profile to
// use, retry budgets, telemetry). The topology describes what is provisioned
// and lives in package topology; this package only supplies the CUE evaluator
// and the built-in #Topology schema used when a topology is written in CUE.
//
// # Settings
//
// Settings are read with viper in increasing precedence:
//
//   - built-in defaults
//   - a YAML settings file (govframe.yaml in the working directory or
//     $HOME/.govframe, or an explicit path)
//   - GOVFRAME_* environment variables, with dots replaced by underscores
//     (GOVFRAME_RETRY_MAX_ATTEMPTS, GOVFRAME_AWS_PROFILE)
//
// The result is validated with go-playground/validator before it is returned.
//
//	settings, err := config.LoadSettings("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # CUE Topologies
//
// CUEEvaluator compiles a single file, an inline string or a directory
// package, then unifies the value with a registered schema:
//
//	ev := config.NewCUEEvaluator()
//	val, err := ev.EvaluateFile("topology.cue")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var out map[string]interface{}
//	if err := ev.DecodeWithSchema(val, config.TopologySchema, &out); err != nil {
//	    log.Fatal(err)
//	}
//
// CUE errors carry file positions and are returned as ValidationErrors.
//
// # Thread Safety
//
// SchemaRegistry is safe for concurrent use. A CUEEvaluator should not be
// shared between goroutines.
package config
