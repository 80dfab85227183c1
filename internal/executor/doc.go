// Package executor turns an environment and a job into an OS-level command
// (docker, singularity or a local shell) and runs it, tailing combined output
// line by line into a topic logger.
package executor
