//go:build !linux && !darwin

package signaling

func setRTPSocketOptions(int, int) error {
	return nil
}
