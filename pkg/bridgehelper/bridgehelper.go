// Package bridgehelper invokes the external binary that configures a
// bridged container's veth pair. The helper receives the child pid,
// the bridge name, and the instantiated ports, and must finish before
// the container-init is released to pivot root.
package bridgehelper

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/lithos-run/lithos/pkg/lerr"
)

// Port describes one instantiated tcp_port passed to the helper so it
// can wire up forwarding for internal (non-external) listeners.
type Port struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// Request is the wire payload given to the helper binary on stdin as
// JSON.
type Request struct {
	Pid    int    `json:"pid"`
	Bridge string `json:"bridge"`
	Ports  []Port `json:"ports"`
}

// Run invokes helperPath with req on stdin and waits for it to exit.
// A non-zero exit or malformed helper is a hard failure:
// the container cannot safely unfreeze without its network configured.
func Run(helperPath string, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal bridge helper request: %w", err)
	}

	cmd := exec.Command(helperPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return lerr.NewSyscallError("open bridge helper stdin", err)
	}

	if err := cmd.Start(); err != nil {
		return lerr.NewSyscallError("start bridge helper "+helperPath, err)
	}

	if _, err := stdin.Write(payload); err != nil {
		stdin.Close()
		cmd.Wait()
		return lerr.NewSyscallError("write bridge helper request", err)
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("bridge helper %s: %w", helperPath, err)
	}
	return nil
}
