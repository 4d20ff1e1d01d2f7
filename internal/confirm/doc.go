// Package confirm gates irreversible capability invocations behind an
// explicit yes/no from the user.
//
// A capability needs confirmation when it is flagged irreversible or its raw
// name starts with a destructive verb (create, add, delete, remove, send,
// update, pay, cancel, drop). Such an invocation is parked on the session as
// a store.PendingAction with an absolute deadline. The next user message is
// read as an answer:
//
//   - an affirmative ("yes", "ok", "do it", ...) confirms and the caller runs it
//   - a negative ("no", "cancel", "never mind", ...) discards it
//   - anything else re-prompts without moving the deadline
//
// A reply after the deadline yields StateExpired. Sweep clears actions that
// were never answered.
package confirm
