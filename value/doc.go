// Package value is a small reference-counted object model with tap codecs:
// scalars, strings, tuples, lists, dicts, code objects, functions and modules.
//
// A Heap owns the objects and acts as the tap.Host. Mutating methods such as
// List.Append and Dict.Set notify attached instances, so peers resend what
// changed; codecs update objects silently.
package value
