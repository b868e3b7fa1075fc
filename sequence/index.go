package sequence

import "fmt"

// Index points into the live view, counting either from the start or
// back from the end. FromEnd(0) is the position just past the last entry.
type Index struct {
	n       uint64
	fromEnd bool
}

func FromStart(n uint64) Index {
	return Index{n: n}
}

func FromEnd(n uint64) Index {
	return Index{n: n, fromEnd: true}
}

func (i Index) String() string {
	if i.fromEnd {
		return fmt.Sprintf("end-%d", i.n)
	}
	return fmt.Sprintf("%d", i.n)
}

// resolve turns the index into a position in [0, length].
func (i Index) resolve(length int) (int, bool) {
	if i.n > uint64(length) {
		return 0, false
	}
	if i.fromEnd {
		return length - int(i.n), true
	}
	return int(i.n), true
}
