//go:build !linux

package gpio

func openCDev(name, consumer string) (Chip, error) {
	return nil, ErrUnsupported
}
