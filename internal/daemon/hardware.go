package daemon

import (
	"context"
	"log"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// nullPeripheral stands in for the PWM/timer driver of spec §1, which is
// explicitly out of scope. It logs every step so a host build still shows
// the ramp sequence the pipeline computes.
type nullPeripheral struct {
	log *log.Logger
}

func newNullPeripheral() *nullPeripheral {
	return &nullPeripheral{log: log.New(log.Writer(), "[peripheral] ", log.LstdFlags)}
}

func (p *nullPeripheral) Step(lightPct, pumpPct int) error {
	p.log.Printf("step light=%d%% pump=%d%%", lightPct, pumpPct)
	return nil
}

// nullPetter stands in for the hardware task-watchdog register spec §1
// excludes. Both the control pipeline and the safety watchdog share one.
type nullPetter struct {
	log *log.Logger
}

func newNullPetter() *nullPetter {
	return &nullPetter{log: log.New(log.Writer(), "[hwdog] ", log.LstdFlags)}
}

func (p *nullPetter) Pet() {}

// nullStation stands in for the Wi-Fi MAC/TCP stack spec §1 excludes. It
// "connects" immediately whenever credentials are configured and never
// disconnects on its own — a host build has no radio to lose.
type nullStation struct {
	disconnect chan struct{}
}

func newNullStation() *nullStation {
	return &nullStation{disconnect: make(chan struct{})}
}

func (s *nullStation) Configure(creds domain.WifiCredentials) error { return nil }

func (s *nullStation) Connect(ctx context.Context) error { return nil }

func (s *nullStation) Disconnected() <-chan struct{} { return s.disconnect }
