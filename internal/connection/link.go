package connection

import (
	"context"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Link is the station-mode network association underneath the broker session.
type Link interface {
	// Associate joins the network; it must honour ctx's deadline.
	Associate(ctx context.Context) error
	// Up reports whether the link currently carries traffic.
	Up() bool
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLILink associates through NetworkManager and takes link state from it.
// With no interface named, NetworkManager picks the device and the overall
// connectivity state is used.
type NMCLILink struct {
	SSID      string
	Password  string
	Interface string

	run          runFunc
	stateTimeout time.Duration
}

func NewNMCLILink(ssid, password, iface string) *NMCLILink {
	return &NMCLILink{SSID: ssid, Password: password, Interface: iface, run: execRun, stateTimeout: 2 * time.Second}
}

func (l *NMCLILink) Associate(ctx context.Context) error {
	if l.state(ctx) && l.activeSSID(ctx) == l.SSID {
		return nil
	}
	args := []string{"device", "wifi", "connect", l.SSID}
	if l.Password != "" {
		args = append(args, "password", l.Password)
	}
	if l.Interface != "" {
		args = append(args, "ifname", l.Interface)
	}
	out, err := l.run(ctx, "nmcli", args...)
	if err != nil {
		return errors.Wrapf(err, "nmcli connect %q: %s", l.SSID, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *NMCLILink) activeSSID(ctx context.Context) string {
	out, err := l.run(ctx, "nmcli", "-t", "-f", "ACTIVE,SSID", "device", "wifi")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if ssid, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:"); ok {
			return ssid
		}
	}
	return ""
}

func (l *NMCLILink) Up() bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.stateTimeout)
	defer cancel()
	return l.state(ctx)
}

// state: "GENERAL.STATE:100 (connected)" per device, "connected" overall
func (l *NMCLILink) state(ctx context.Context) bool {
	if l.Interface == "" {
		out, err := l.run(ctx, "nmcli", "-t", "-f", "STATE", "general")
		return err == nil && strings.TrimSpace(string(out)) == "connected"
	}
	out, err := l.run(ctx, "nmcli", "-t", "-f", "GENERAL.STATE", "device", "show", l.Interface)
	if err != nil {
		return false
	}
	v, _ := strings.CutPrefix(strings.TrimSpace(string(out)), "GENERAL.STATE:")
	code, _, _ := strings.Cut(v, " ")
	return code == "100"
}

// StaticLink is a link managed outside the agent (wired, or WiFi joined by
// the OS). With no interface named it is always up.
type StaticLink struct {
	Interface string
	isUp      func(string) bool
}

func NewStaticLink(iface string) *StaticLink {
	return &StaticLink{Interface: iface, isUp: interfaceUp}
}

func (l *StaticLink) Associate(context.Context) error {
	if !l.Up() {
		return errors.Errorf("interface %s is down", l.Interface)
	}
	return nil
}

func (l *StaticLink) Up() bool {
	return l.Interface == "" || l.isUp(l.Interface)
}

// interfaceUp: flag UP e almeno un indirizzo assegnato
func interfaceUp(name string) bool {
	ifc, err := net.InterfaceByName(name)
	if err != nil || ifc.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := ifc.Addrs()
	return err == nil && len(addrs) > 0
}
