// Package audit buffers engine events and delivers them to a Sink off the
// request path.
//
// The engine decides which events exist and what they carry; this package
// only queues, drops (when configured to) and delivers them. It does not
// import kbgauth.
package audit
