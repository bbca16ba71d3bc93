//go:build !linux || !cgo

package media

import "errors"

func NewDeviceSource() (Source, error) {
	return nil, errors.New("device capture needs linux with cgo; use the synthetic source")
}
