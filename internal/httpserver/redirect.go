package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"
)

// RedirectServer is a plain listener whose sole behavior is to send every
// request to the secure origin.
type RedirectServer struct {
	addr       string
	secureHost string
	server     *http.Server
}

// NewRedirectServer redirects traffic on addr to https://secureHost.
// secureHost is a host:port; the port is dropped from the target when it is
// 443.
func NewRedirectServer(addr, secureHost string) *RedirectServer {
	if host, port, err := net.SplitHostPort(secureHost); err == nil && port == "443" {
		secureHost = host
	}
	return &RedirectServer{addr: addr, secureHost: secureHost}
}

// Start begins listening and redirecting.
func (r *RedirectServer) Start() error {
	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}

	r.server = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			target := "https://" + r.secureHost + req.URL.RequestURI()
			http.Redirect(w, req, target, http.StatusMovedPermanently)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go r.server.Serve(listener)
	return nil
}

// Stop closes the redirect listener.
func (r *RedirectServer) Stop() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}
