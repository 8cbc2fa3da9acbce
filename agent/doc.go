// Package agent runs the bounded tool-use loop of the Nexus gateway.
//
// An Agent invokes the model with the current message sequence, the system
// instruction and the tool descriptors of one tool session. Tool calls the
// model requests are executed against that session and their results are
// appended as tool messages before the next step. The loop ends when a step
// produces no tool calls or when MaxSteps steps have run.
//
// # Ordering
//
// Steps run strictly one after another. Tool calls of a single step may run
// concurrently (bounded by ToolConcurrency) but their results are attached in
// the order the model requested them, so the next step sees a deterministic
// call-to-result mapping.
//
// # Failures
//
// A failing tool never aborts the loop: its error text becomes a tool
// message with IsError set, and the model reacts to it on the next step. A
// failing model call is fatal and is returned wrapped in
// errors.ErrModelInvocationFailed. Running out of steps is not an error; Run
// returns StopStepBudget as the stop reason.
//
// # Callbacks
//
// Callbacks let the caller observe the loop as it happens:
//
//	res, err := a.Run(ctx, transcript, sess.Tools(), agent.Callbacks{
//	    OnTextDelta: func(step int, text string) error {
//	        return enc.TextDelta(step, text)
//	    },
//	})
//
// The gateway wires them to the stream encoder; agent/terminal prints them.
package agent
