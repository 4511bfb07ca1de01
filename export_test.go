package hostchannel

// SetHandleLimit lowers the largest handle a client may be given and returns
// a func restoring the previous limit.
func SetHandleLimit(n uint32) (restore func()) {
	old := handleLimit
	handleLimit = n
	return func() { handleLimit = old }
}
