// Package waitstrategy dispatches the post-navigation wait phase of a fetch
// onto a driver.Page. It is a pure dispatcher: it holds no state of its own
// and never touches the network or the cache directly — all I/O happens
// inside the driver.Page implementation it's handed.
package waitstrategy

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrum-labs/iris/driver"
	"github.com/ferrum-labs/iris/fetchmodel"
)

// Request is the fully-resolved wait parameters for one fetch attempt,
// after the FetchRequest's wait_for_selector tie-break has been applied.
type Request struct {
	Strategy        fetchmodel.WaitStrategy
	Selector        string
	TimeoutMs       int
	WaitAfterLoadMs int
}

// Dispatch runs the requested wait strategy against page, then sleeps the
// additional wait_after_load_ms if one applies, and returns the DOM as of
// after both phases complete.
func Dispatch(ctx context.Context, page driver.Page, req Request) ([]byte, error) {
	kind, err := toDriverKind(req.Strategy)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	html, err := page.Wait(ctx, driver.WaitRequest{
		Strategy: kind,
		Selector: req.Selector,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("wait strategy %q failed: %w", req.Strategy, err)
	}

	if req.WaitAfterLoadMs > 0 {
		select {
		case <-time.After(time.Duration(req.WaitAfterLoadMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return html, nil
}

func toDriverKind(s fetchmodel.WaitStrategy) (driver.WaitKind, error) {
	switch s {
	case fetchmodel.WaitLoad, "":
		return driver.WaitLoad, nil
	case fetchmodel.WaitDOMContentLoaded:
		return driver.WaitDOMContentLoaded, nil
	case fetchmodel.WaitNetworkIdle:
		return driver.WaitNetworkIdle, nil
	case fetchmodel.WaitSelector:
		return driver.WaitSelector, nil
	case fetchmodel.WaitTimeout:
		return driver.WaitFixedTimeout, nil
	default:
		return "", fmt.Errorf("unknown wait strategy %q", s)
	}
}
