/*
Package server is the HTTP control plane: routing, forward-auth,
infra-ready and CSRF gates, the GitHub webhook pipeline, manual trigger
endpoints, and the admin read APIs. Every exchange emits one audit
event with the query token redacted.

Two serving modes share the same router: a long-lived accept loop and a
single-request mode that reads one request from a byte stream and
writes one response back, for socket-activated deployments.
*/
package server
