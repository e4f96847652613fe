// Package agent is the chat orchestrator: it routes an utterance to a
// workflow, resolves the workflow's plan (a stored definition when one exists,
// otherwise the built-in plan), and runs it through the executor.
package agent
