package printer

import "fmt"

// FormatBytes returns a human-readable byte size string.
// Examples: "0 B", "512 B", "1.5 KB", "700 MB", "10.0 GB".
func FormatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)

	switch {
	case bytes >= tb:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(tb))
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatRate returns a human-readable download rate, empty when there is no transfer.
func FormatRate(bytesPerSec uint64) string {
	if bytesPerSec == 0 {
		return ""
	}
	return FormatBytes(bytesPerSec) + "/s"
}
