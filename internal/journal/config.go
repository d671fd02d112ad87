package journal

// Config sizes the journal's segments
type Config struct {
	Segment struct {
		// offset of the first record of a new journal
		InitialOffset uint64
		// a segment rolls over once its store reaches this size
		MaxStoreBytes uint64
		// a segment rolls over once its index reaches this size
		MaxIndexBytes uint64
	}
	// SyncWrites fsyncs after every append
	SyncWrites bool
}
