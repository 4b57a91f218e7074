//go:build !unix

package governor

import "os"

func PeakRSS(state *os.ProcessState) int64 {
	return 0
}
