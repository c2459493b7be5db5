//go:build !unix

package process

import "os"

// Platforms without SIGTERM get os.Interrupt, or a kill when that is unsupported.
func interrupt(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}
