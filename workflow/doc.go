/*
Package workflow defines workflow definitions, instances, and primitives.

# Definitions

A workflow definition is an immutable, declarative template: a set of
steps with dependencies between them. The step dependency graph must be
acyclic and every referenced step ID must exist within the same
definition; Validate checks both once, at load. Definitions are
identified by ID. By convention these are kebab-case and are intended to
be unique amongst the engine and be human readable.

# Steps

A step is a single unit of work dispatched to exactly one agent. Steps
name a domain and capability which the engine's router resolves to an
agent endpoint at dispatch time. Steps carry their own timeout, retry
policy, and failure policy. A step only becomes eligible for dispatch
(ready) once every step it depends on has resolved successfully.

# Instances

Starting a definition creates an instance: one execution of that
definition with per-step state tracking. Instances are identified by a
unique instance ID. The instance's status is always a function of its
step states and control state — it is derived, never set independently.
The engine's run loop for an instance is the sole mutator of that
instance's state; no other component writes to it.

# Process model

Everything in this package is plain data plus pure functions over it.
The ready-set computation and derived status are reentrant and safe to
call from many instances' run loops concurrently, including while
replaying a checkpoint after a crash.
*/
package workflow
