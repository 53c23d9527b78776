/*
Package types defines the shared domain model for podup: tasks and their
per-unit outcomes, audit events, discovered units, the registry-digest
cache row, error kinds, and the boundary sanitizers that validate unit
names, host paths, SSH targets, and image keys.

Sanitization happens at the interface boundary, once. Code that receives
a types.Task or a validated unit name may assume the invariants hold.
*/
package types
