package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func serverTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICProtocol},
	}
}

// startEchoListener accepts one connection and echoes every line back.
func startEchoListener(t *testing.T) *quic.Listener {
	t.Helper()

	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLSConfig(t), nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		stream, err := sess.AcceptStream(ctx)
		if err != nil {
			return
		}

		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if _, err := stream.Write(line); err != nil {
				return
			}
		}
	}()

	return ln
}

func TestQUICEcho(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()

	tr := NewQUIC(ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QUICProtocol},
	})
	defer tr.Close()

	opened := make(chan struct{})
	messages := make(chan []byte, 1)
	tr.Bind(Handler{
		OnOpen: func() {
			close(opened)
		},
		OnMessage: func(data []byte) {
			messages <- data
		},
	})

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("open event never fired")
	}

	if err := tr.Send([]byte(`{"hello":"there"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-messages:
		if string(data) != `{"hello":"there"}` {
			t.Fatalf("echo = %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestQUICDialerRejectsScheme(t *testing.T) {
	d := &QUICDialer{}
	if _, err := d.Dial("ws://example.test/"); err != ErrBadAddress {
		t.Fatalf("Dial = %v, want ErrBadAddress", err)
	}
}

func TestQUICDialFailure(t *testing.T) {
	tr := NewQUIC("127.0.0.1:1", &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QUICProtocol},
	}, WithQUICConfig(&quic.Config{HandshakeIdleTimeout: 500 * time.Millisecond}))

	errs := make(chan error, 1)
	tr.Bind(Handler{
		OnError: func(err error) {
			errs <- err
		},
	})

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("error event never fired for unreachable endpoint")
	}
}
