// Package addrmap translates client-side addresses embedded in message
// parameters into the addresses the peer core understands.
//
// Each client may register up to [MaxMappings] regions. A region maps a
// user base address to a kernel base address over Size bytes. The write
// path consults the table for every parameter flagged as a non-coherent
// pointer; a miss leaves the parameter unchanged.
//
// # Basic Usage
//
//	tbl := addrmap.NewTable()
//	err := tbl.Map(3, addrmap.Mapping{User: 0x7f000000, Kernel: 0x80100000, Size: 4096})
//
//	kaddr, ok := tbl.Resolve(3, 0x7f000010) // 0x80100010, true
//
//	tbl.Reset(3) // on channel close
//
// # Thread Safety
//
// All [Table] methods are safe for concurrent use via an internal sync.RWMutex.
package addrmap
