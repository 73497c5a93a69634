package protocol

// Phase names one step of a session.
type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhasePing     Phase = "ping"
	PhaseUpload   Phase = "upload"
	PhaseDownload Phase = "download"
	PhaseDone     Phase = "done"
)

func (p Phase) String() string {
	return string(p)
}
