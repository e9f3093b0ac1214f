package capture

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	io.Reader
	closed chan struct{}
	once   sync.Once
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func newFakeSource(data string) *fakeSource {
	return &fakeSource{Reader: strings.NewReader(data), closed: make(chan struct{})}
}

// blockingSource blocks reads until closed, like an idle serial port.
type blockingSource struct {
	closed chan struct{}
	once   sync.Once
}

func (b *blockingSource) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockingSource) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestNew(t *testing.T) {
	capture := New([]string{"tcp://localhost:10110", "serial:///dev/ttyUSB0?baud=4800"})

	if capture == nil {
		t.Fatal("New() returned nil")
	}
	if len(capture.sources) != 2 {
		t.Errorf("Expected 2 sources, got %d", len(capture.sources))
	}
	if capture.conns == nil {
		t.Error("Expected conns map to be initialized")
	}
	if capture.msgChan == nil {
		t.Error("Expected msgChan to be initialized")
	}
	if capture.stopChan == nil {
		t.Error("Expected stopChan to be initialized")
	}
}

func TestCapture_StartWithoutSources(t *testing.T) {
	capture := New(nil)
	if err := capture.Start(); err == nil {
		t.Fatal("Start() should fail without sources")
	}
	capture.Stop()
}

func TestCapture_SplitsLines(t *testing.T) {
	data := "$GPRMC,first*00\r\n\r\n  $GPGGA,second*00  \n$GPRMC,third*00"
	capture := NewWithOpener([]string{"fake"}, func(string) (io.ReadCloser, error) {
		return newFakeSource(data), nil
	})
	capture.SetReconnectDelay(time.Hour)

	if err := capture.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer capture.Stop()

	want := []string{"$GPRMC,first*00", "$GPGGA,second*00", "$GPRMC,third*00"}
	for i, w := range want {
		select {
		case msg := <-capture.Messages():
			if string(msg.Data) != w {
				t.Errorf("Message %d = %q, want %q", i, msg.Data, w)
			}
			if msg.Source != "fake" {
				t.Errorf("Expected source fake, got %s", msg.Source)
			}
			if msg.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for message %d", i)
		}
	}
}

func TestCapture_ReconnectsAfterOpenFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	capture := NewWithOpener([]string{"flaky"}, func(string) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("device busy")
		}
		return newFakeSource("$GPRMC,ok*00\n"), nil
	})
	capture.SetReconnectDelay(10 * time.Millisecond)

	if err := capture.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer capture.Stop()

	select {
	case msg := <-capture.Messages():
		if string(msg.Data) != "$GPRMC,ok*00" {
			t.Errorf("Unexpected message %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts < 3 {
		t.Errorf("Expected at least 3 open attempts, got %d", attempts)
	}
}

func TestCapture_StopUnblocksReaders(t *testing.T) {
	src := &blockingSource{closed: make(chan struct{})}
	opened := make(chan struct{})
	var once sync.Once
	capture := NewWithOpener([]string{"idle"}, func(string) (io.ReadCloser, error) {
		once.Do(func() { close(opened) })
		return src, nil
	})

	if err := capture.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	<-opened
	// Give the reader a moment to register the connection
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		capture.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return while a reader was blocked")
	}

	if _, ok := <-capture.Messages(); ok {
		t.Error("Expected message channel to be closed after Stop()")
	}
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	capture := New([]string{"localhost:1"})
	capture.Stop()
	capture.Stop()
}

func TestOpen_InvalidSources(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "unknown scheme", source: "udp://localhost:10110", want: "unsupported source scheme"},
		{name: "bad baud", source: "serial:///dev/ttyUSB0?baud=fast", want: "invalid baud rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := Open(tt.source)
			if err == nil {
				conn.Close()
				t.Fatalf("Open(%q) should fail", tt.source)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigureTCPKeepalive(t *testing.T) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	configureTCPKeepalive(conn, "test-source")

	// Non-TCP connections are left untouched
	type wrapped struct{ net.Conn }
	configureTCPKeepalive(wrapped{conn}, "test-source")
}
