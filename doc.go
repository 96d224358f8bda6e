/*
Package tap keeps a mutable, cyclic object graph in sync between two
runtimes, sending only what changed since the previous exchange.

Each side creates a Peer for its counterpart. The Peer assigns a Key to every
object it sends or receives, remembers which objects the other side already
has, and tracks which ones were modified (Touch) or deallocated
(ObjectFreed) since. Marshal turns the changes reachable from a root into a
buffer; Unmarshal on the other side applies it.

Objects are serialized by codecs looked up in a Registry. Anything the
registry cannot classify goes out as an Opaque placeholder carrying only the
type name.

The host runtime owns the objects. It registers its peers with an Instance,
forwards deallocation and mutation notifications to it, and implements Host
so that peers can hold references to the objects they receive.

# Keys

Keys are positive 31-bit integers. A Peer allocates its own keys from 1 up;
keys allocated by the other side are stored with bit 30 set. The two sides of
a connection use opposite roles (Primary and Secondary), and on the wire keys
allocated by the secondary carry bit 30, so no negotiation is needed to keep
the two allocations apart. Keys are never reused.

# Buffer format

All integers are 32-bit little-endian. A buffer is a sequence of sections,
each starting with its total size (header included) and a section id:

1. Free section (id 1): a list of keys the sender deallocated. Present only
when there is something to report, and always written first.

2. Object section (id 0): the key of the root object, then records.

A record is: total size (header included), type id, key, payload. A record
is written for each new or modified object; unchanged objects are referenced
by key only.

# Unmarshaling

Records are applied in passes so that cycles can be rebuilt: first all new
objects are allocated, then non-container objects are initialized, then
containers. Updates of existing objects, which require their codec to
implement Updater, are staged in the same passes and installed only once the
whole buffer has decoded, so a rejected buffer changes nothing.
*/
package tap
