/*
Package config resolves the process configuration for podup.

Resolution order, lowest to highest precedence:

 1. profile defaults (test | dev | demo | prod, from PODUP_PROFILE)
 2. an optional podup.yaml overlay in the state dir or cwd
 3. PODUP_* environment variables

The resolved Config is constructed once at startup and treated as
read-only afterwards.
*/
package config
