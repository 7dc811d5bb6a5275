package devstate

import (
	"context"
	"fmt"
	"strings"

	"github.com/wslusb/wslusb/internal/tool"
	"github.com/wslusb/wslusb/internal/usbipd"
)

// ListingMode selects which usbipd command produces the device list.
type ListingMode string

const (
	// ListingAuto uses `state` when the installed usbipd supports it.
	ListingAuto  ListingMode = "auto"
	ListingState ListingMode = "state"
	ListingList  ListingMode = "list"
)

// ToolFetcher returns a FetchFunc that runs usbipd and parses its output.
func ToolFetcher(runner tool.Runner, name string, versions *usbipd.VersionCache, mode ListingMode) FetchFunc {
	return func(ctx context.Context) (usbipd.ParseResult, error) {
		useState := mode == ListingState
		var v usbipd.Version
		if mode != ListingState {
			var err error
			v, err = versions.Get()
			if err != nil {
				return usbipd.ParseResult{}, err
			}
			useState = mode == ListingAuto && usbipd.SupportsState(v)
		}

		args := usbipd.ListArgs(v)
		op := usbipd.OpList
		if useState {
			args = usbipd.StateArgs()
			op = usbipd.OpState
		}

		res, err := runner.Run(ctx, tool.Command{Name: name, Args: args})
		if err != nil {
			return usbipd.ParseResult{}, fmt.Errorf("usbipd %s: %w", op, err)
		}
		if !res.Success() {
			return usbipd.ParseResult{}, &usbipd.CommandError{
				Op:       string(op),
				ExitCode: res.ExitCode,
				Stderr:   strings.TrimSpace(string(res.Stderr)),
			}
		}
		if useState {
			return usbipd.ParseState(res.Stdout)
		}
		return usbipd.ParseList(res.Stdout)
	}
}
