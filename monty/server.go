package monty

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// httpServerOptions holds the settings the admin API and the discord
// webhook server have in common
type httpServerOptions struct {
	ssl        SSLConfig
	read       time.Duration
	readHeader time.Duration
	write      time.Duration
	idle       time.Duration
}

func newHTTPServer(handler http.Handler, opts httpServerOptions) (*http.Server, error) {
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       opts.read,
		ReadHeaderTimeout: opts.readHeader,
		WriteTimeout:      opts.write,
		IdleTimeout:       opts.idle,
	}
	if !opts.ssl.enabled() {
		return srv, nil
	}
	cert, err := tls.LoadX509KeyPair(opts.ssl.Cert, opts.ssl.Key)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}
	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   opts.ssl.TLSMinVersion,
	}
	return srv, nil
}

// listen opens a listener for srv, wrapped in TLS if srv has a
// certificate
func listen(
	ctx context.Context,
	srv *http.Server,
	network string,
	address string,
) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	return ln, nil
}
