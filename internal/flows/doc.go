// Package flows implements the kbgauth operations as plain functions over
// dependency structs.
//
// Every Run* function takes a *Deps value of func fields and touches the
// outside world only through them, so a flow can be driven in tests with
// closures and no Redis or database. The engine owns the resources and
// builds the deps for each call.
//
// The package must not import kbgauth; errors, metric ids and event names are
// passed in through the Errors, Metrics and Events fields.
package flows
