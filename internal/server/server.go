package server

import (
	"net/http"

	"connectrpc.com/connect"
)

// ConnectService is implemented by each service to register its connect handler.
type ConnectService interface {
	RegisterHandler(interceptors ...connect.Interceptor) (string, http.Handler)
}

// Mount registers every service on mux behind the same interceptor chain.
func Mount(mux *http.ServeMux, interceptors []connect.Interceptor, services ...ConnectService) {
	for _, svc := range services {
		path, h := svc.RegisterHandler(interceptors...)
		mux.Handle(path, h)
	}
}
