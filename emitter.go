package segmentz

import (
	"fmt"
	"net"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// daemonHeader precedes every document sent to the X-Ray daemon.
const daemonHeader = "{\"format\": \"json\", \"version\": 1}\n"

// Emitter sends segment documents to the X-Ray daemon over UDP.
// Delivery is fire-and-forget: failures are logged and never returned.
type Emitter struct {
	conn   net.Conn
	logger *zap.Logger
	mu     sync.Mutex
}

// NewEmitter dials the daemon at addr, e.g. Config.DaemonAddress.
func NewEmitter(addr string, logger *zap.Logger) (*Emitter, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial daemon %s: %w", addr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{conn: conn, logger: logger}, nil
}

// Emit encodes doc and writes it as a single datagram.
func (e *Emitter) Emit(doc Document) {
	body, err := sonic.Marshal(doc)
	if err != nil {
		e.logger.Warn("encode segment document", append(documentFields(&doc), zap.Error(err))...)
		return
	}

	packet := make([]byte, 0, len(daemonHeader)+len(body))
	packet = append(packet, daemonHeader...)
	packet = append(packet, body...)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.conn.Write(packet); err != nil {
		e.logger.Warn("send segment document", append(documentFields(&doc), zap.Error(err))...)
	}
}

// Close closes the underlying connection.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Close()
}
