// Package dedupe keeps a short-lived record of client message IDs so a chat
// submission retried by the widget is rejected instead of handled twice.
package dedupe
