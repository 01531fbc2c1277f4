package collab

import "sync/atomic"

// palette is the fixed set of member colors, assigned round-robin.
var palette = [8]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

var colorCounter uint32

// nextColor returns the next color in round-robin order.
func nextColor() string {
	n := atomic.AddUint32(&colorCounter, 1)
	return palette[(n-1)%uint32(len(palette))]
}
