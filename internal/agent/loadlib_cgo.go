//go:build unix && cgo

package agent

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// loadLibrary loads path and leaks the handle so the library stays resident.
func loadLibrary(path string) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	if h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_GLOBAL); h == nil {
		return fmt.Errorf("cannot load %s: %s", path, C.GoString(C.dlerror()))
	}
	return nil
}
