package policy

// urlErrorCounts tallies the failures recorded against each mirror.
func urlErrorCounts(us UpdateState, budget int) []int {
	counts := make([]int, len(us.DownloadURLs))
	for _, de := range us.DownloadErrors {
		if de.URLIndex < 0 || de.URLIndex >= len(counts) {
			continue
		}
		switch de.Code.weight() {
		case weightFatal:
			counts[de.URLIndex] = budget
		case weightOne:
			counts[de.URLIndex]++
		}
	}
	return counts
}

// nextUsableURL walks the mirrors starting after the last one used, wrapping
// around, and returns the first that is still within its error budget.
func nextUsableURL(us UpdateState, budget int) (idx, numErrors int, ok bool) {
	n := len(us.DownloadURLs)
	if n == 0 {
		return -1, 0, false
	}
	counts := urlErrorCounts(us, budget)
	start := (us.LastDownloadURLIndex + 1) % n
	for i := 0; i < n; i++ {
		j := (start + i) % n
		if counts[j] < budget {
			return j, counts[j], true
		}
	}
	return -1, 0, false
}
