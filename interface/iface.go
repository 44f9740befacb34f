package iface

// LineReader is the receiving half of a line protocol with an external process.
// ReadLine blocks until a line is available or the stream is closed.
type LineReader interface {
	ReadLine() (string, error)
}

// LineWriter is the sending half. Implementations serialise concurrent writers.
type LineWriter interface {
	WriteLine(line string) error
}

// FramePinner keeps a stored frame on disk while a worker still reads it.
// Acquire reports false when the frame is already gone.
type FramePinner interface {
	Acquire(f Frame) bool
	Release(f Frame)
}
