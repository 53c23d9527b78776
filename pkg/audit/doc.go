// Package audit writes event_log rows for every HTTP exchange, either
// inline or through a bounded async queue. Audit failures are logged
// and swallowed; they never surface to the client.
package audit
