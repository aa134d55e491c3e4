// Package sequence runs timed datapoint programs: ordered steps with hold
// durations, optional repetition, and a final idle value that parks the
// actuator even when the run is cancelled partway through.
package sequence
