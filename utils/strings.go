package utils

import (
	"unsafe"
)

// BytesToString converts without copying. The result must not outlive b.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}
