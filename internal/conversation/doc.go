// Package conversation runs chat turns for the widget.
//
// # Turns
//
// Service.HandleTurn takes one user message and, holding the session's lock:
//
//  1. Appends the message to the session's rolling history (Sessions).
//  2. If an action is waiting for confirmation, reads the message as the
//     answer (confirm.Gate.Resolve) and runs, cancels, expires, or re-prompts.
//  3. Otherwise loads the owner's capability set (packs.Loader), asks the
//     Planner what to do (or uses the request's capability hint), validates
//     arguments, and either runs the capability or holds it for confirmation.
//  4. Saves the session and returns the turn's events.
//
// Turns on different sessions run in parallel; turns on one session run one
// at a time.
//
// # Events
//
// Each turn yields a list of events ending in "done":
//
//   - text: Markdown with rendered HTML
//   - capability_invocation: capability name, arguments, and result
//   - confirmation_required: the prompt and its absolute deadline
//   - error: a stable code and a user-safe message
//   - done: the session ID and any connectors skipped this turn
//
// Events are also published on a Broadcaster so other clients watching the
// same session see them.
//
// # Replays
//
// A ReplayGuard rejects a client message ID seen in the last few minutes with
// ErrDuplicateMessage, so a retried "yes" cannot run an action twice.
package conversation
