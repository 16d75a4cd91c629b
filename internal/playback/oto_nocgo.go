//go:build nocgo
// +build nocgo

package playback

import "errors"

// NewOto is unavailable in builds without cgo audio support.
func NewOto(opts Options, sampleRate, channels int) (Player, error) {
	return nil, errors.New("oto playback unavailable: built with nocgo")
}
