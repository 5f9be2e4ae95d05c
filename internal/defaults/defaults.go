package defaults

const (
	// Number of concurrent workers that process requests to the blockstore
	BitswapEngineBlockstoreWorkerCount = 128
	// Maximum amount of block data a single peer can have in flight
	BitswapMaxOutstandingBytesPerPeer = 1 << 20
	// The ideal size of the batched payload. We try to pop this much data
	// off the request queue, but it may be a little more or less depending
	// on what's in the queue.
	BitswapEngineTargetMessageSize = 16 * 1024
	// Blocks up to this size are sent in reply to a want-have instead of a
	// HAVE.
	BitswapMaxSizeReplaceHasWithBlock = 1024
)
