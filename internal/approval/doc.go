// Package approval coordinates human consent for tool calls. A turn blocks
// on a request's Done channel while the user and a deadline timer race to
// resolve it exactly once.
package approval
