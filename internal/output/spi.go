package output

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// DefaultSPIDev is the port opened when no name is configured. SPI0 MOSI is
// GPIO 10.
const DefaultSPIDev = "/dev/spidev0.0"

// defaultMaxTx is used when the connection does not report a limit; it
// matches the spidev default bufsiz.
const defaultMaxTx = 4096

// SPIConn shifts symbol bytes out of MOSI at three times the LED bit rate.
type SPIConn struct {
	port  spi.PortCloser
	conn  spi.Conn
	maxTx int
}

// OpenSPI connects to port, or opens name through spireg when port is nil.
func OpenSPI(name string, port spi.PortCloser, bitHz physic.Frequency) (*SPIConn, error) {
	if port == nil {
		if name == "" {
			name = DefaultSPIDev
		}
		p, err := spireg.Open(name)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", name)
		}
		port = p
	}
	c, err := port.Connect(bitHz*3, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "connect at %s", bitHz*3)
	}
	s := &SPIConn{port: port, conn: c, maxTx: defaultMaxTx}
	if l, ok := c.(conn.Limits); ok {
		if n := l.MaxTxSize(); n > 0 {
			s.maxTx = n
		}
	}
	return s, nil
}

// ErrFrameTooLarge is returned for a frame that does not fit one transfer.
// MOSI idles low between transfers, long enough for a strip to latch, so a
// frame is never split.
var ErrFrameTooLarge = errors.New("spi: frame exceeds the driver transfer size")

// Tx writes b as a single transfer.
func (s *SPIConn) Tx(b []byte) error {
	if len(b) > s.maxTx {
		return errors.Wrapf(ErrFrameTooLarge, "%d > %d bytes", len(b), s.maxTx)
	}
	if err := s.conn.Tx(b, nil); err != nil {
		return errors.Wrapf(err, "spi tx %d bytes", len(b))
	}
	return nil
}

// MaxTx is the largest frame Tx accepts. Raise spidev's bufsiz module
// parameter for longer strips.
func (s *SPIConn) MaxTx() int { return s.maxTx }

// Close releases the port. Calling it again is a no-op.
func (s *SPIConn) Close() error {
	if s == nil || s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port, s.conn = nil, nil
	return err
}
