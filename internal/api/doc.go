// Package api exposes the operator HTTP surface: the completion proxy, command
// execution, conversation and action views, the agent roster, voice control,
// health and Prometheus metrics.
package api
