package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// ConnectionEvicted is a no-op.
func (n *NoopCollector) ConnectionEvicted() {}

// TLSStarted is a no-op.
func (n *NoopCollector) TLSStarted() {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(mechanism string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(command string) {}

// BadCommand is a no-op.
func (n *NoopCollector) BadCommand() {}

// IdleTimeout is a no-op.
func (n *NoopCollector) IdleTimeout() {}

// AuthServiceReconnect is a no-op.
func (n *NoopCollector) AuthServiceReconnect() {}
