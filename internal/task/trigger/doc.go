// Package trigger fires configured jobs on cron or interval schedules by
// submitting them as tasks to the engine. It computes trigger times only;
// execution, timeouts and ordering belong to the engine.
package trigger
