// Package batch handles tool arguments that name one portal lookup or
// several at once. Callers hand over the raw argument value; the package
// normalizes it into a query list, fans the lookups out, and renders a
// report that surfaces partial failures instead of aborting the whole
// call on the first bad query.
package batch
