// Package service contains the pipeline execution orchestrator: the run
// supervisor, the dispatcher/scheduler, the bounded executor pool, the retry
// policy and the event publisher. All durable state lives in the execution
// store (pkg/storage); the components here only hold ephemeral bookkeeping
// that can be rebuilt from the store after a restart.
package service

// Logger is the logging interface the orchestrator components write to.
// internal/log's logrus logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
