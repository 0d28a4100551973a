// Package runner turns job sources into scheduler.Runner values.
//
// Each source kind has its own Compiler; the scheduler never sees which one
// produced a runner. Command and file sources execute processes and may run
// inside a pooled Session (a private working directory plus environment).
package runner
