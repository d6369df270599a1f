package aio

// Compatibility surface for code written against the older calling
// conventions, where reading and writing went through distinct handles
// and a single call both queued and flushed bytes. These are pure
// renames and combinations over the Stream contract; there is no second
// engine behind them.

// StreamReader and StreamWriter are the same type: one Stream serves
// both directions.
type (
	StreamReader = Stream
	StreamWriter = Stream
)

// AWrite queues p and immediately drains, combining Write and Drain in
// one suspending call.
func (st *Stream) AWrite(p []byte) error {
	if err := st.Write(p); err != nil {
		return err
	}
	return st.Drain()
}

// AWriteOff is the historical slicing form of AWrite: it sends sz bytes
// of p starting at off; sz < 0 means everything from off onward.
func (st *Stream) AWriteOff(p []byte, off, sz int) error {
	if sz < 0 {
		sz = len(p) - off
	}
	return st.AWrite(p[off : off+sz])
}

// AWriteStr is AWrite for strings.
func (st *Stream) AWriteStr(s string) error {
	return st.AWrite([]byte(s))
}

// AClose is the historical name for WaitClosed.
func (st *Stream) AClose() error {
	return st.WaitClosed()
}
