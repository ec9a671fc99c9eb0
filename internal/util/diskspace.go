package util

const bytesPerGB = 1024 * 1024 * 1024

type DiskSpace struct {
	AvailBytes uint64  `json:"availBytes"`
	TotalBytes uint64  `json:"totalBytes"`
	AvailGB    float64 `json:"availGb"`
	TotalGB    float64 `json:"totalGb"`
	UsedGB     float64 `json:"usedGb"`
}

func newDiskSpace(avail, total uint64) DiskSpace {
	availGB := float64(avail) / bytesPerGB
	totalGB := float64(total) / bytesPerGB
	return DiskSpace{
		AvailBytes: avail,
		TotalBytes: total,
		AvailGB:    availGB,
		TotalGB:    totalGB,
		UsedGB:     totalGB - availGB,
	}
}

// Low reports whether free space is under minGB.
func (d DiskSpace) Low(minGB int) bool {
	return d.AvailGB < float64(minGB)
}
