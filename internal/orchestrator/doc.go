// Package orchestrator drives the model-driven tool-call loop.
//
// One Run covers one logical user query: the query joins the session
// history, the backend sees the history plus the flattened capability
// catalog, and any invocations the backend requests are resolved through
// the router before the next backend turn. The loop ends when the backend
// answers with plain text or the step ceiling is reached.
//
// Invocation failures never abort the loop; they are folded into the
// model's context as the call's result so the model can react. Only a
// failure to reach the backend itself aborts the turn.
//
// Capabilities configured as long-running are not invoked inline. They are
// handed to the background supervisor and the model is told the work was
// accepted; the outcome reaches the user later through the supervisor's
// delivery callback.
package orchestrator
