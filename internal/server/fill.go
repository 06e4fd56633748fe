package server

import "bufio"

// feeder is satisfied by every codec decoder: Feed consumes bytes and
// reports how many it used, Complete reports whether the message is
// fully parsed.
type feeder interface {
	Feed(chunk []byte) (int, error)
	Complete() bool
}

// fill drives a decoder to completion from r, a buffered stream reader.
// It peeks whatever is already buffered (never less than one byte, which
// blocks until at least one arrives) so that bytes belonging to the next
// pipelined message are never consumed out from under the next decoder —
// only what Feed actually reports consuming is discarded from r.
func fill(r *bufio.Reader, d feeder) error {
	for !d.Complete() {
		avail := r.Buffered()
		if avail < 1 {
			avail = 1
		}
		chunk, peekErr := r.Peek(avail)
		if len(chunk) == 0 {
			return peekErr
		}
		n, err := d.Feed(chunk)
		if err != nil {
			return err
		}
		if n > 0 {
			if _, derr := r.Discard(n); derr != nil {
				return derr
			}
		}
		if n == 0 && peekErr != nil {
			return peekErr
		}
	}
	return nil
}
