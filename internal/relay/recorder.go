package relay

// Close reasons passed to Recorder.ConnectionClosed.
const (
	CloseHangup      = "hangup"
	ClosePeerClosed  = "peer_closed"
	CloseReadFault   = "read_fault"
	CloseWriteFault  = "write_fault"
	CloseSocketError = "socket_error"
	CloseShutdown    = "shutdown"
)

// Command outcomes passed to Recorder.CommandHandled.
const (
	OutcomeOK        = "ok"
	OutcomeNotMember = "not_member"
)

// Recorder receives counters from the multiplexer. Implementations are
// called from the multiplexer goroutine only.
type Recorder interface {
	ConnectionAdmitted()
	ConnectionRejected()
	ConnectionClosed(reason string)
	BytesReceived(n int)
	MessageRelayed(recipients, bytes int)
	CommandHandled(command, outcome string)
	MessageThrottled()
}

type nopRecorder struct{}

func (nopRecorder) ConnectionAdmitted() {}
func (nopRecorder) ConnectionRejected() {}
func (nopRecorder) ConnectionClosed(string) {}
func (nopRecorder) BytesReceived(int) {}
func (nopRecorder) MessageRelayed(int, int) {}
func (nopRecorder) CommandHandled(string, string) {}
func (nopRecorder) MessageThrottled() {}
