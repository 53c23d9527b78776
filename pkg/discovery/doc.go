/*
Package discovery enumerates the auto-updatable units on the target
host from two sources: the Quadlet unit directory and `podman ps -a`
filtered on the io.containers.autoupdate label. Results are merged,
deduplicated and persisted in discovered_units.

A broken source is never fatal: an unreadable directory or a missing
podman binary just contributes nothing. Discovery runs lazily at most
once per process unless a refresh is requested.
*/
package discovery
