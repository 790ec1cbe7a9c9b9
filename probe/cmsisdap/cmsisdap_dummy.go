//go:build no_libudev
// +build no_libudev

package cmsisdap

import (
	"context"

	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/probe"
)

func Open(ctx context.Context, vid, pid uint16, serial string) (probe.Probe, error) {
	return nil, errors.Errorf("not supported in this build")
}
