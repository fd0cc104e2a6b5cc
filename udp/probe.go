package udp

import "sync"

var probed struct {
	sync.Mutex
	caps *Capabilities
}

// Probe reports the UDP offload capabilities of the running kernel. The
// answer is worked out on first use and reused for the life of the process.
// A kernel that lacks segmentation offload is not an error, it reports a
// MaxGSOSegments of 1. Only failures to create the throwaway probe socket are
// returned, and those are tried again on the next call.
func Probe() (Capabilities, error) {
	probed.Lock()
	defer probed.Unlock()

	if probed.caps != nil {
		return *probed.caps, nil
	}

	n, err := sys.maxGSOSegments()
	if err != nil {
		return Capabilities{}, err
	}

	probed.caps = &Capabilities{MaxGSOSegments: max(n, 1)}
	return *probed.caps, nil
}
