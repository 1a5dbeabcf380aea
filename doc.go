// Package orchestration provides the core coordination primitives for a
// multi-tenant platform: durable command/event envelopes with correlation
// tracing, a module task queue with exclusive claims, a human-in-the-loop
// task confirmation workflow, declarative workflow transition validation,
// and a lease-locked per-tenant maintenance scheduler.
//
// Every stateful component ships with two interchangeable backends, one
// file backed for single-process deployments and one Postgres backed for
// shared multi-process deployments, exposing identical behavioral
// contracts.
package orchestration
