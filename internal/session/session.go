// Package session records live chat connections in Redis so operators can
// see who is online, on which server instance and in which room. The record
// is advisory; the in-process chat manager remains authoritative.
package session
