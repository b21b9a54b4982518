package nativemsg

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dropbox/nativebridge/errors"
)

// A client connection to a Server. Read and Write may be used from different
// goroutines; concurrent Writes are serialized.
type Conn struct {
	conn      net.Conn
	limit     int
	writeLock sync.Mutex
}

// Connects to the server socket at path and presents token.
func Dial(path string, token string) (*Conn, error) {
	return DialLimit(path, token, DefaultMaxMessageSize)
}

// Same as Dial with an explicit per-frame limit for Read.
func DialLimit(path string, token string, limit int) (*Conn, error) {
	if len(token) != tokenSize {
		return nil, errors.NewKindf(errors.Config, "token must be %d bytes, got %d", tokenSize, len(token))
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.WrapKindf(err, errors.Transport, "dial failed (%s)", path)
	}
	if _, err := conn.Write([]byte(token)); err != nil {
		_ = conn.Close()
		return nil, errors.WrapKind(err, errors.Transport, "handshake write failed")
	}
	return &Conn{conn: conn, limit: limit}, nil
}

// Reads the next frame. Returns io.EOF when the server hangs up between
// frames.
func (c *Conn) Read() ([]byte, error) {
	return ReadMessageLimit(c.conn, c.limit)
}

func (c *Conn) Write(msg []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return WriteMessage(c.conn, msg)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Where a running host can be reached.
type Endpoint struct {
	Path  string
	Token string
}

const endpointFile = "nativebridge.endpoint"

// Location of the endpoint file in dir.
func EndpointPath(dir string) string {
	return filepath.Join(dir, endpointFile)
}

// Records the server's endpoint in dir so proxies can find it. The file is
// only readable by the current user since it carries the token.
func WriteEndpoint(dir string, ep Endpoint) error {
	path := EndpointPath(dir)
	tmp := path + ".tmp"
	data := ep.Path + "\n" + ep.Token + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return errors.WrapKindf(err, errors.Transport, "endpoint write failed (%s)", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapKindf(err, errors.Transport, "endpoint write failed (%s)", path)
	}
	return nil
}

// Reads the endpoint file WriteEndpoint left in dir.
func ReadEndpoint(dir string) (Endpoint, error) {
	path := EndpointPath(dir)
	f, err := os.Open(path)
	if err != nil {
		return Endpoint{}, errors.WrapKindf(err, errors.Transport, "endpoint read failed (%s)", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return Endpoint{}, errors.WrapKindf(err, errors.Transport, "endpoint read failed (%s)", path)
	}
	if len(lines) != 2 || lines[0] == "" || len(lines[1]) != tokenSize {
		return Endpoint{}, errors.NewKindf(errors.Parse, "malformed endpoint file (%s)", path)
	}
	return Endpoint{Path: lines[0], Token: lines[1]}, nil
}

// Removes the endpoint file if it still names ep.
func RemoveEndpoint(dir string, ep Endpoint) error {
	current, err := ReadEndpoint(dir)
	if err != nil || current != ep {
		return nil
	}
	if err := os.Remove(EndpointPath(dir)); err != nil && !os.IsNotExist(err) {
		return errors.WrapKind(err, errors.Transport, "endpoint remove failed")
	}
	return nil
}
