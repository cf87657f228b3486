// Package iox holds the small I/O helpers shared by the HTTP clients.
package iox

import "io"

// DrainLimit caps how much of an unread body DrainClose consumes.
const DrainLimit = 64 << 10

// DiscardClose closes c and drops the error, for defers where a close
// error is unactionable.
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose consumes up to DrainLimit bytes of rc and closes it, so an HTTP
// response body leaves its connection reusable.
//
//	defer iox.DrainClose(resp.Body)
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, DrainLimit))
	_ = rc.Close()
}
