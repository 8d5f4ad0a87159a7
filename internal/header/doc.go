// Package header encodes and decodes the metadata stored immediately in front
// of an aligned pointer.
//
// An aligned allocation is carved out of a larger raw block. The distance from
// the aligned pointer back to the start of the raw block is written into the
// bytes just before the aligned pointer so that it can be recovered on release.
//
// # Layouts
//
// Two layouts are supported, selected by [Config.Guarded]:
//
//   - Offset header (2 bytes): a single uint16 holding the offset.
//   - Guarded header (8 bytes): canary (uint32), alignment shift (uint8),
//     state (uint8) and offset (uint16), in that order.
//
// In both layouts the offset occupies the two bytes closest to the aligned
// pointer, so the offset is always found at aligned-2.
//
// # Usage
//
//	codec := header.NewCodec(header.DefaultConfig())
//	reserve := codec.Reserve(alignment)
//	codec.Write(aligned, offset, shift)
//	h, err := codec.Verify(aligned)
package header
