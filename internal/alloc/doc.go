// Package alloc tracks live aligned allocations.
//
// The alignment layer itself keeps no state. When tracking is enabled it
// records every allocation in a [Registry] so that releases of pointers it
// never handed out can be rejected before any memory is touched, and so that
// the set of live allocations can be inspected and validated.
//
// # Registry
//
// The [Registry] type is safe for concurrent use and provides:
//
//   - Provenance: allocations are keyed by aligned address; [Registry.Forget]
//     atomically claims a record so a pointer can only be released once.
//   - Statistics: counts and byte totals, including padding spent on headers
//     and alignment slack.
//   - Validation: [Registry.Validate] checks that live allocations are
//     aligned, lie inside their raw blocks and do not overlap.
//
// # Usage
//
//	reg := alloc.New()
//	reg.Record(alloc.Allocation{Addr: aligned, Raw: raw, Size: 100, Alignment: 8})
//	a, ok := reg.Forget(aligned)
package alloc
