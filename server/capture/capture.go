// Package capture defines the frame source the controller reads from and
// how its failures are classified.
package capture

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/nomoresecretz/pktscope/common/errors"
)

// ErrTimeout is returned by a Handle when a read's poll interval elapsed
// without a frame. It is never fatal.
var ErrTimeout = errors.New(errors.KindTimeout, "capture poll timeout")

// Handle is an open frame source. ReadPacketData must return within the
// source's poll interval, with ErrTimeout if nothing arrived, and io.EOF once
// a finite source is exhausted.
type Handle interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
	Close()
}

// Source opens handles on devices and lists the devices available.
type Source interface {
	Open(device string) (Handle, error)
	Devices() ([]Device, error)
}

type Device struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}

// DefaultDevice returns the first device the source reports.
func DefaultDevice(src Source) (string, error) {
	devs, err := src.Devices()
	if err != nil {
		return "", err
	}

	if len(devs) == 0 {
		return "", errors.New(errors.KindDriverMissing, "no capture devices found")
	}

	return devs[0].Name, nil
}

// Classify maps a source error onto an error kind. Kinds already attached
// to err are kept.
func Classify(err error) errors.Kind {
	if err == nil {
		return errors.KindUnknown
	}

	if k := errors.GetKind(err); k != errors.KindUnknown && k != errors.KindInternal {
		return k
	}

	if IsTimeout(err) {
		return errors.KindTimeout
	}

	if stderrors.Is(err, os.ErrPermission) {
		return errors.KindPermission
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "permission", "operation not permitted", "access denied", "not permitted"):
		return errors.KindPermission
	case containsAny(msg, "npcap", "winpcap", "wpcap", "libpcap", "no capture devices", "not supported on this platform", "cgo"):
		return errors.KindDriverMissing
	}

	return errors.KindUnknown
}

// IsTimeout reports whether err is a poll timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if stderrors.Is(err, ErrTimeout) || stderrors.Is(err, os.ErrDeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var te interface{ Timeout() bool }
	if stderrors.As(err, &te) && te.Timeout() {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsFatal reports whether the capture loop must give up on err.
func IsFatal(err error) bool {
	switch Classify(err) {
	case errors.KindPermission, errors.KindDriverMissing:
		return true
	}

	return false
}

// IsEnd reports whether err marks the normal end of a finite source.
func IsEnd(err error) bool {
	return stderrors.Is(err, io.EOF)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}
