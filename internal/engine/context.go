package engine

import "context"

type serverKey struct{}

// ContextWithServer returns a copy of ctx carrying s as the default server
// for processors built from that context.
func ContextWithServer(ctx context.Context, s *Server) context.Context {
	return context.WithValue(ctx, serverKey{}, s)
}

// ServerFromContext returns the server stored by ContextWithServer, or nil.
func ServerFromContext(ctx context.Context) *Server {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(serverKey{}).(*Server)
	return s
}
