// Package bytesize formats byte counts and transfer speeds for display.
package bytesize

import "fmt"

// Binary byte units.
const (
	B  int64 = 1
	KB       = B << 10
	MB       = KB << 10
	GB       = MB << 10
	TB       = GB << 10
)

var suffixes = [...]string{"KB", "MB", "GB", "TB"}

// Format renders n with two decimals in the largest unit not exceeding it,
// e.g. "1.50 MB". Non-positive counts render as "0 B".
func Format(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	if n < KB {
		return fmt.Sprintf("%d B", n)
	}
	unit, i := KB, 0
	for i < len(suffixes)-1 && n >= unit<<10 {
		unit <<= 10
		i++
	}
	return fmt.Sprintf("%.2f %s", float64(n)/float64(unit), suffixes[i])
}

// FormatSpeed renders a bytes-per-second value, e.g. "1.50 MB/s".
func FormatSpeed(bytesPerSec int64) string {
	return Format(bytesPerSec) + "/s"
}
