package jit

// Stats is a small post-translation summary, in the spirit of the
// teacher's JITStats/CacheStats but without any caching or recompilation
// decision behind it: Compile always translates once and hands back
// whatever it counted along the way.
type Stats struct {
	InstCount      int // eBPF instruction slots translated, including LDDW's second slot
	BytesEmitted   int // size of the generated machine code
	FixupsResolved int // branch fixups patched by resolve(); external calls are not counted
}
