package capture

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "go.bug.st/serial"
)

const defaultBaud = 9600

// Message represents one line captured from a GPS source
type Message struct {
	Source    string
	Data      []byte
	Timestamp time.Time
}

// Opener opens a source for reading
type Opener func(source string) (io.ReadCloser, error)

// Capture reads newline-delimited NMEA sentences from GPS receivers attached
// over TCP (tcp://host:port or host:port) or serial
// (serial:///dev/ttyUSB0?baud=9600), reconnecting when a source drops.
type Capture struct {
	sources        []string
	open           Opener
	reconnectDelay time.Duration
	conns          map[string]io.Closer
	msgChan        chan Message
	wg             sync.WaitGroup
	stopChan       chan struct{}
	stopOnce       sync.Once
	mu             sync.Mutex
}

// New creates a new Capture instance
func New(sources []string) *Capture {
	return NewWithOpener(sources, Open)
}

// NewWithOpener creates a Capture with a custom opener (useful for testing)
func NewWithOpener(sources []string, open Opener) *Capture {
	return &Capture{
		sources:        sources,
		open:           open,
		reconnectDelay: 5 * time.Second,
		conns:          make(map[string]io.Closer),
		msgChan:        make(chan Message, 256),
		stopChan:       make(chan struct{}),
	}
}

// SetReconnectDelay changes the wait between reconnection attempts
func (c *Capture) SetReconnectDelay(d time.Duration) {
	c.reconnectDelay = d
}

// Open dials a TCP source or opens a serial device
func Open(source string) (io.ReadCloser, error) {
	if !strings.Contains(source, "://") {
		return openTCP(source)
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", source, err)
	}

	switch u.Scheme {
	case "tcp":
		return openTCP(u.Host)
	case "serial":
		baud := defaultBaud
		if b := u.Query().Get("baud"); b != "" {
			baud, err = strconv.Atoi(b)
			if err != nil {
				return nil, fmt.Errorf("invalid baud rate %q: %w", b, err)
			}
		}
		port, err := serial.Open(u.Path, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("open gps serial failed: %w", err)
		}
		return port, nil
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func openTCP(addr string) (io.ReadCloser, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	configureTCPKeepalive(conn, addr)
	return conn, nil
}

// configureTCPKeepalive configures TCP keepalive settings
func configureTCPKeepalive(conn net.Conn, source string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			fmt.Printf("Warning: failed to set keepalive for %s: %v\n", source, err)
		}
		if err := tcpConn.SetKeepAlivePeriod(2 * time.Second); err != nil {
			fmt.Printf("Warning: failed to set keepalive period for %s: %v\n", source, err)
		}
	}
}

// Start begins reading sentences from all sources
func (c *Capture) Start() error {
	if len(c.sources) == 0 {
		return fmt.Errorf("no GPS sources configured")
	}
	for _, source := range c.sources {
		c.wg.Add(1)
		go c.connectToSource(strings.TrimSpace(source))
	}
	return nil
}

// Stop closes all sources and waits for the readers to exit. It is safe to
// call more than once.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
		close(c.msgChan)
	})
}

// Messages returns the channel for receiving sentences
func (c *Capture) Messages() <-chan Message {
	return c.msgChan
}

func (c *Capture) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Capture) connectToSource(source string) {
	defer c.wg.Done()

	var disconnectTime time.Time
	firstConnection := true

	for !c.stopped() {
		if firstConnection {
			fmt.Printf("Attempting to connect to %s...\n", source)
			firstConnection = false
		}

		conn, err := c.open(source)
		if err != nil {
			if disconnectTime.IsZero() {
				disconnectTime = time.Now()
				fmt.Printf("Failed to open %s: %v\n", source, err)
			}
			select {
			case <-time.After(c.reconnectDelay):
			case <-c.stopChan:
				return
			}
			continue
		}

		if !disconnectTime.IsZero() {
			fmt.Printf("Connection to %s reestablished after %.1f seconds\n", source, time.Since(disconnectTime).Seconds())
			disconnectTime = time.Time{}
		} else {
			fmt.Printf("Successfully connected to %s\n", source)
		}

		c.mu.Lock()
		if c.stopped() {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conns[source] = conn
		c.mu.Unlock()

		c.handleConnection(source, conn)

		// If we get here, the connection was closed
		c.mu.Lock()
		delete(c.conns, source)
		c.mu.Unlock()
		disconnectTime = time.Now()
		fmt.Printf("Connection to %s lost\n", source)

		select {
		case <-time.After(c.reconnectDelay):
		case <-c.stopChan:
			return
		}
	}
}

func (c *Capture) handleConnection(source string, conn io.ReadCloser) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Create a copy of the data to avoid buffer reuse issues
		data := []byte(line)

		select {
		case c.msgChan <- Message{
			Source:    source,
			Data:      data,
			Timestamp: time.Now(),
		}:
		case <-c.stopChan:
			return
		}
	}
	if err := scanner.Err(); err != nil && !c.stopped() {
		fmt.Printf("Read error from %s: %v\n", source, err)
	}
}
