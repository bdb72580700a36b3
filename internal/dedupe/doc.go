// Package dedupe remembers which relay message a retried send already
// produced, so the relay can re-echo the original instead of storing a
// second copy.
package dedupe
