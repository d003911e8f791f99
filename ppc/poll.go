package ppc

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/constraints"

	"github.com/oxplot/go-usbc"
)

// PollUntil calls cond every interval until it returns true, returns an error
// or maxWait has passed since the first call. cond is always called at least
// once. usbc.ErrTimeout is returned if cond never became true.
//
// PollUntil sleeps on clk between calls and so blocks the calling task.
func PollUntil(clk clockwork.Clock, interval, maxWait time.Duration, cond func() (bool, error)) error {
	deadline := clk.Now().Add(maxWait)
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return usbc.ErrTimeout
		}
		clk.Sleep(interval)
	}
}

// SetBits returns v with all bits of mask set.
func SetBits[T constraints.Unsigned](v, mask T) T {
	return v | mask
}

// ClearBits returns v with all bits of mask cleared.
func ClearBits[T constraints.Unsigned](v, mask T) T {
	return v &^ mask
}

// SetField returns v with the field selected by mask replaced by val shifted
// left by shift. Bits of val outside the field are dropped.
func SetField[T constraints.Unsigned](v, mask T, shift uint, val T) T {
	return v&^mask | (val<<shift)&mask
}
