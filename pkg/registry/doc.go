/*
Package registry resolves container image tags to manifest digests via
HEAD requests against the registry's /v2 manifest endpoint, fronted by
the registry_digest_cache table.

Authentication follows the containers-auth convention: 401 challenges
are answered with credentials from $HOME/.config/containers/auth.json,
either directly (Basic) or through a bearer token exchange at the
challenge realm. Failures degrade, not destroy: a prior digest survives
a failed refresh and the row is returned stale with a coarse error code.
Credentials never reach the cache or the logs.
*/
package registry
