package commissioning

import (
	"log"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
)

// MaxFrameBytes bounds a single commissioning frame; anything larger is
// rejected before it reaches the session, per spec §4.7's ErrFrameTooLarge.
const MaxFrameBytes = 4096

// Submitter is the single narrow surface the server needs from the control
// pipeline.
type Submitter interface {
	Submit(cmd domain.Command) error
}

// CurrentActuator reports the actuator snapshot the control pipeline last
// applied, used to fill in a control frame's omitted light or pump field.
type CurrentActuator interface {
	CurrentLightPump() (light, pump int)
}

// Server binds a Session to the bit-gated local channel and a command
// submitter, turning accepted control frames into enqueued commands.
type Server struct {
	session   *Session
	submitter Submitter
	actuator  CurrentActuator
	bits      *eventbits.Bits
	clock     func() time.Time

	log *log.Logger
}

// NewServer builds a Server.
func NewServer(session *Session, submitter Submitter, actuator CurrentActuator, bits *eventbits.Bits) *Server {
	return &Server{
		session:   session,
		submitter: submitter,
		actuator:  actuator,
		bits:      bits,
		clock:     time.Now,
		log:       log.New(log.Writer(), "[commissioning] ", log.LstdFlags),
	}
}

// HandleFrame is the single endpoint of spec §4.7: it dispatches raw by the
// first-byte carrier detection, applies it, and for control frames enqueues
// a command. Errors on control frames are logged and dropped silently per
// spec — they never propagate to the transport.
func (srv *Server) HandleFrame(raw []byte) error {
	if len(raw) > MaxFrameBytes {
		return domain.ErrFrameTooLarge
	}
	if IsJSONFrame(raw) {
		return srv.session.HandleJSONFrame(raw)
	}

	cf, err := srv.session.HandleControlFrame(raw)
	if err != nil {
		srv.log.Printf("control frame dropped: %v", err)
		return nil
	}

	light, pump := srv.actuator.CurrentLightPump()
	if cf.Light != nil {
		light = *cf.Light
	}
	if cf.Pump != nil {
		pump = *cf.Pump
	}
	cmd := domain.NewCommand(domain.ActorLocalRadio, cf.Ctr, srv.clock(), light, pump, cf.RampMS)
	return srv.submitter.Submit(cmd)
}
