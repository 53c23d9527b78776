/*
Package ratelimit implements the store-backed sliding-window rate
limiter and the per-image mutual-exclusion locks.

A rate decision is one transaction: expired tokens are pruned, each
window's live count is compared against its limit, and on success the
new token is inserted before commit. Image locks ride the image_locks
primary key; acquisition retries with a 50ms backoff for at most 2s.
*/
package ratelimit
