//go:build unix && !cgo

package agent

import "errors"

func loadLibrary(path string) error {
	return errors.New("cannot load " + path + ": built without cgo")
}
