//go:build !unix

package host

func allocDevice(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeDevice(mem []byte) error {
	return nil
}
