// Package detector validates a candidate Bedrock server executable,
// reads its server.properties file, and proposes a free proxy port so
// the control plane can offer a one-click "add from detection" flow.
package detector

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carlosrabelo/bedrockproxyd/pkg/errors"
)

// recognizedKeys lists the server.properties keys this package surfaces
// to callers; anything else is preserved verbatim by the caller but not
// parsed here.
var recognizedKeys = map[string]struct{}{
	"server-name":                   {},
	"server-port":                   {},
	"server-portv4":                 {},
	"max-players":                   {},
	"gamemode":                      {},
	"difficulty":                    {},
	"level-name":                    {},
	"white-list":                    {},
	"whitelist":                     {},
	"motd":                          {},
	"level-seed":                    {},
	"allow-cheats":                  {},
	"server-authoritative-movement": {},
}

// Proposal is the result of Detect.
type Proposal struct {
	ExecutablePath      string            `json:"executablePath"`
	ServerDirectory     string            `json:"serverDirectory"`
	Properties          map[string]string `json:"properties"`
	ProposedName        string            `json:"proposedName"`
	ProposedMaxPlayers  int               `json:"proposedMaxPlayers"`
	ProposedDestination string            `json:"proposedDestination"`
	ProposedListen      string            `json:"proposedListen"`
}

// Detect validates executablePath, reads a sibling server.properties if
// present, and proposes listen/destination addresses.
func Detect(executablePath string) (Proposal, error) {
	info, err := os.Stat(executablePath)
	if err != nil {
		return Proposal{}, errors.Wrap(errors.CodeInvalidExecutable, fmt.Sprintf("executable %s not found", executablePath), err)
	}
	if info.IsDir() {
		return Proposal{}, errors.New(errors.CodeInvalidExecutable, fmt.Sprintf("%s is a directory, not an executable", executablePath))
	}

	dir := filepath.Dir(executablePath)
	props, _ := readProperties(filepath.Join(dir, "server.properties"))

	name := props["server-name"]
	if name == "" {
		name = filepath.Base(dir)
	}

	maxPlayers := 10
	if v, err := strconv.Atoi(props["max-players"]); err == nil && v > 0 {
		maxPlayers = v
	}

	destPort := props["server-port"]
	if destPort == "" {
		destPort = "19132"
	}
	destination := net.JoinHostPort("127.0.0.1", destPort)

	listenPort, err := proposeFreePort(19132)
	if err != nil {
		return Proposal{}, err
	}

	return Proposal{
		ExecutablePath:      executablePath,
		ServerDirectory:     dir,
		Properties:          props,
		ProposedName:        name,
		ProposedMaxPlayers:  maxPlayers,
		ProposedDestination: destination,
		ProposedListen:      net.JoinHostPort("0.0.0.0", strconv.Itoa(listenPort)),
	}, nil
}

// readProperties parses a Java-properties-style file, keeping only
// recognized keys. A missing file yields an empty map together with the
// open error; Detect ignores that error and falls back to defaults.
func readProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, recognized := recognizedKeys[key]; recognized {
			out[key] = strings.TrimSpace(val)
		}
	}
	return out, scanner.Err()
}

// proposeFreePort finds the first free UDP port starting at start by
// briefly binding and releasing it.
func proposeFreePort(start int) (int, error) {
	for port := start; port < start+200; port++ {
		addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			continue
		}
		conn.Close()
		return port, nil
	}
	return 0, errors.New(errors.CodeBindFailed, "no free UDP port found in proposal range")
}
