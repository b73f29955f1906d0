// Package notify delivers escalation alerts to the humans who answer them.
package notify
